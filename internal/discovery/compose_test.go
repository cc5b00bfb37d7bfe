package discovery

import "testing"

func TestParseComposeMapAndListForms(t *testing.T) {
	text := []byte(`services:
  web:
    container_name: app-web
    image: nginx:alpine
    ports:
      - "8080:80"
      - 9090
    environment:
      - DOMAIN=app.example.com
      - EMPTY
    labels:
      tier: frontend
  worker:
    image: app/worker
    environment:
      QUEUE: jobs
`)
	services, err := parseCompose(text)
	if err != nil {
		t.Fatalf("parseCompose: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("services = %d, want 2", len(services))
	}

	web := services[0]
	if web.Name != "web" || web.ContainerName != "app-web" {
		t.Errorf("web = %+v", web)
	}
	if len(web.Ports) != 2 || web.Ports[0] != "8080:80" || web.Ports[1] != "9090" {
		t.Errorf("ports = %v", web.Ports)
	}
	if web.Environment["DOMAIN"] != "app.example.com" {
		t.Errorf("environment = %v", web.Environment)
	}
	if _, ok := web.Environment["EMPTY"]; !ok {
		t.Errorf("bare env var lost: %v", web.Environment)
	}
	if web.Labels["tier"] != "frontend" {
		t.Errorf("labels = %v", web.Labels)
	}

	worker := services[1]
	if worker.Environment["QUEUE"] != "jobs" {
		t.Errorf("worker environment = %v", worker.Environment)
	}
}

func TestParseComposeRejectsEmpty(t *testing.T) {
	if _, err := parseCompose([]byte("version: '3'\n")); err == nil {
		t.Fatal("expected error for compose without services")
	}
	if _, err := parseCompose([]byte(":\nnot yaml [")); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
