package provision

import (
	"fmt"

	"github.com/siteflow/siteflow/internal/apperr"
)

// Site types.
const (
	TypeStatic    = "static"
	TypeNode      = "node"
	TypePython    = "python"
	TypeWordPress = "wordpress"
)

// typeSpec describes how a site type is containerized.
type typeSpec struct {
	// Port is the container port the gateway proxies to.
	Port int
	// Compose renders the docker-compose.yml for a site.
	Compose func(site, domain string) string
}

var typeSpecs = map[string]typeSpec{
	TypeStatic:    {Port: 80, Compose: staticCompose},
	TypeNode:      {Port: 3000, Compose: nodeCompose},
	TypePython:    {Port: 8000, Compose: pythonCompose},
	TypeWordPress: {Port: 80, Compose: wordpressCompose},
}

// SpecFor returns the container spec for a site type.
func SpecFor(siteType string) (typeSpec, error) {
	spec, ok := typeSpecs[siteType]
	if !ok {
		return typeSpec{}, apperr.New(apperr.KindValidation, "unknown site type %q", siteType)
	}
	return spec, nil
}

// Types lists the supported site types.
func Types() []string {
	return []string{TypeStatic, TypeNode, TypePython, TypeWordPress}
}

func staticCompose(site, domain string) string {
	return fmt.Sprintf(`services:
  web:
    image: nginx:alpine
    container_name: %s-web
    restart: unless-stopped
    volumes:
      - ./public:/usr/share/nginx/html:ro
    networks:
      - gateway

networks:
  gateway:
    external: true
`, site)
}

func nodeCompose(site, domain string) string {
	return fmt.Sprintf(`services:
  web:
    build: .
    container_name: %s-web
    restart: unless-stopped
    environment:
      - NODE_ENV=production
      - PORT=3000
      - DOMAIN=%s
    networks:
      - gateway

networks:
  gateway:
    external: true
`, site, domain)
}

func pythonCompose(site, domain string) string {
	return fmt.Sprintf(`services:
  web:
    build: .
    container_name: %s-web
    restart: unless-stopped
    environment:
      - DOMAIN=%s
    command: gunicorn --bind 0.0.0.0:8000 app:app
    networks:
      - gateway

networks:
  gateway:
    external: true
`, site, domain)
}

func wordpressCompose(site, domain string) string {
	return fmt.Sprintf(`services:
  web:
    image: wordpress:php8.3-apache
    container_name: %s-web
    restart: unless-stopped
    environment:
      - WORDPRESS_DB_HOST=db
      - WORDPRESS_DB_NAME=wordpress
      - WORDPRESS_DB_USER=wordpress
      - WORDPRESS_DB_PASSWORD=${DB_PASSWORD}
    volumes:
      - ./wp-content:/var/www/html/wp-content
    networks:
      - gateway
      - default

  db:
    image: mariadb:11
    container_name: %s-db
    restart: unless-stopped
    environment:
      - MARIADB_DATABASE=wordpress
      - MARIADB_USER=wordpress
      - MARIADB_PASSWORD=${DB_PASSWORD}
      - MARIADB_RANDOM_ROOT_PASSWORD=yes
    volumes:
      - db-data:/var/lib/mysql

volumes:
  db-data:

networks:
  gateway:
    external: true
`, site, site)
}

// landingPage is served by freshly provisioned static sites until a deploy
// replaces it.
func landingPage(site, domain string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>%s</title>
  <style>
    body { font-family: system-ui, sans-serif; display: grid; place-items: center; min-height: 100vh; margin: 0; background: #0f172a; color: #e2e8f0; }
    main { text-align: center; }
    h1 { font-weight: 600; }
    code { background: #1e293b; padding: 0.2em 0.5em; border-radius: 4px; }
  </style>
</head>
<body>
  <main>
    <h1>%s</h1>
    <p>This site is live at <code>%s</code> and waiting for its first deploy.</p>
  </main>
</body>
</html>
`, site, site, domain)
}

// envFile is the initial .env for a new site.
func envFile(domain string) string {
	return "DOMAIN=" + domain + "\n"
}
