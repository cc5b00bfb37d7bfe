package model

import (
	"fmt"
	"math/rand/v2"
	"testing"
)

func TestDeriveStatusTable(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     SiteStatus
	}{
		{"empty", nil, SiteUnknown},
		{"single up", []string{"Up 3 days"}, SiteRunning},
		{"single up healthy", []string{"Up 2 hours (healthy)"}, SiteRunning},
		{"single exited", []string{"Exited (0) 5 minutes ago"}, SiteStopped},
		{"all exited", []string{"Exited (0) 1 hour ago", "Exited (137) 1 hour ago"}, SiteStopped},
		{"mixed up wins", []string{"Up 10 seconds", "Exited (1) 2 minutes ago"}, SiteRunning},
		{"restarting only", []string{"Restarting (1) 5 seconds ago"}, SiteDegraded},
		{"exited plus restarting", []string{"Exited (0) 1 hour ago", "Restarting (1) 2 seconds ago"}, SiteDegraded},
		{"created", []string{"Created"}, SiteDegraded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			containers := make([]Container, 0, len(tc.statuses))
			for i, s := range tc.statuses {
				containers = append(containers, Container{Name: fmt.Sprintf("c%d", i), StatusText: s})
			}
			if got := DeriveStatus(containers); got != tc.want {
				t.Errorf("DeriveStatus(%v) = %s, want %s", tc.statuses, got, tc.want)
			}
		})
	}
}

// TestDeriveStatusProperty checks the derivation invariant over random
// container mixes: any Up forces running; all Exited forces stopped;
// otherwise degraded; empty is unknown.
func TestDeriveStatusProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	pool := []string{
		"Up 4 days",
		"Up About a minute (unhealthy)",
		"Exited (0) 3 hours ago",
		"Exited (137) 10 days ago",
		"Restarting (1) 1 second ago",
		"Created",
		"Paused",
	}

	for i := 0; i < 500; i++ {
		n := rng.IntN(6)
		containers := make([]Container, n)
		anyUp, allExited := false, n > 0
		for j := range containers {
			st := pool[rng.IntN(len(pool))]
			containers[j] = Container{Name: fmt.Sprintf("c%d", j), StatusText: st}
			if containers[j].Up() {
				anyUp = true
			}
			if len(st) < 6 || st[:6] != "Exited" {
				allExited = false
			}
		}

		var want SiteStatus
		switch {
		case n == 0:
			want = SiteUnknown
		case anyUp:
			want = SiteRunning
		case allExited:
			want = SiteStopped
		default:
			want = SiteDegraded
		}

		if got := DeriveStatus(containers); got != want {
			t.Fatalf("iteration %d: DeriveStatus = %s, want %s (containers %+v)", i, got, want, containers)
		}
	}
}

func TestValidJobType(t *testing.T) {
	for _, jt := range []BackupJobType{JobDB, JobUploads, JobVerify, JobSnapshot, JobSite, JobSystem} {
		if !ValidJobType(jt) {
			t.Errorf("ValidJobType(%s) = false", jt)
		}
	}
	if ValidJobType("tape") {
		t.Error("ValidJobType(tape) = true")
	}
}
