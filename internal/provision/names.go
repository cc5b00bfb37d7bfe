package provision

import (
	"regexp"
	"strings"

	"github.com/siteflow/siteflow/internal/apperr"
)

// Site names become subdomains, container names, and directory names, so
// they follow DNS label rules.
var siteNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateSiteName enforces DNS-label naming: lowercase alphanumerics and
// hyphens, 2-63 characters, no leading/trailing/double hyphen.
func ValidateSiteName(name string) error {
	if len(name) < 2 || len(name) > 63 {
		return apperr.New(apperr.KindValidation, "site name must be 2-63 characters")
	}
	if !siteNameRe.MatchString(name) {
		return apperr.New(apperr.KindValidation, "site name %q must be lowercase alphanumerics and hyphens", name)
	}
	if strings.Contains(name, "--") {
		return apperr.New(apperr.KindValidation, "site name %q must not contain consecutive hyphens", name)
	}
	return nil
}
