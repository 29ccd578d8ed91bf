package clientid

import "testing"

func TestResolve_Disabled(t *testing.T) {
	id, err := Resolve(Config{Enabled: false}, nil, nil)
	if err != nil || id != (Identity{}) {
		t.Errorf("expected no-op when disabled, got %+v err=%v", id, err)
	}
}

func TestResolve_FromHeader(t *testing.T) {
	cfg := Config{Enabled: true, ClientID: Source{Header: "X-Client-Id"}}
	id, err := Resolve(cfg, nil, map[string]string{"X-Client-Id": "acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ClientID != "acme" {
		t.Errorf("expected acme, got %q", id.ClientID)
	}
}

func TestResolve_FromClaimPath(t *testing.T) {
	cfg := Config{Enabled: true, ClientID: Source{ClaimPath: "org.id"}}
	claims := map[string]any{"org": map[string]any{"id": "acme-corp"}}
	id, err := Resolve(cfg, claims, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ClientID != "acme-corp" {
		t.Errorf("expected acme-corp, got %q", id.ClientID)
	}
}

func TestResolve_MissingClientID(t *testing.T) {
	cfg := Config{Enabled: true, ClientID: Source{Header: "X-Client-Id"}}
	_, err := Resolve(cfg, nil, map[string]string{})
	if err != ErrMissingClientID {
		t.Errorf("expected ErrMissingClientID, got %v", err)
	}
}

func TestResolve_UnauthorizedGroup(t *testing.T) {
	cfg := Config{
		Enabled:       true,
		ClientID:      Source{Header: "X-Client-Id"},
		Group:         Source{Header: "X-Group"},
		AllowedGroups: []string{"pro", "enterprise"},
	}
	_, err := Resolve(cfg, nil, map[string]string{"X-Client-Id": "acme", "X-Group": "free"})
	if err != ErrUnauthorizedGroup {
		t.Errorf("expected ErrUnauthorizedGroup, got %v", err)
	}
}

func TestResolve_AllowedGroupPasses(t *testing.T) {
	cfg := Config{
		Enabled:       true,
		ClientID:      Source{Header: "X-Client-Id"},
		Group:         Source{Header: "X-Group"},
		AllowedGroups: []string{"pro", "enterprise"},
	}
	id, err := Resolve(cfg, nil, map[string]string{"X-Client-Id": "acme", "X-Group": "pro"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Group != "pro" {
		t.Errorf("expected group pro, got %q", id.Group)
	}
}

func TestResolve_NoAllowedGroupsConfiguredSkipsCheck(t *testing.T) {
	cfg := Config{Enabled: true, ClientID: Source{Header: "X-Client-Id"}}
	id, err := Resolve(cfg, nil, map[string]string{"X-Client-Id": "acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ClientID != "acme" {
		t.Errorf("unexpected identity: %+v", id)
	}
}
