package registry

import "testing"

func TestFromServicesRejectsMissingName(t *testing.T) {
	_, err := FromServices([]Service{{BinaryPath: "/bin/x", Enabled: true}})
	if err == nil {
		t.Fatal("expected error for service with no name")
	}
}

func TestFromServicesRejectsDuplicateName(t *testing.T) {
	_, err := FromServices([]Service{
		{Name: "github", Enabled: true},
		{Name: "github", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected error for duplicate service name")
	}
}

func TestLookupIgnoresDisabledServices(t *testing.T) {
	reg, err := FromServices([]Service{
		{Name: "notion", Enabled: false},
	})
	if err != nil {
		t.Fatalf("FromServices: %v", err)
	}

	if _, ok := reg.Lookup("notion"); ok {
		t.Error("Lookup should not return a disabled service")
	}
}

func TestLookupReturnsEnabledService(t *testing.T) {
	reg, err := FromServices([]Service{
		{Name: "github", Kind: "oauth", OAuthProvider: "github", Enabled: true},
	})
	if err != nil {
		t.Fatalf("FromServices: %v", err)
	}

	svc, ok := reg.Lookup("github")
	if !ok {
		t.Fatal("expected to find enabled service")
	}
	if svc.OAuthProvider != "github" {
		t.Errorf("OAuthProvider = %q, want github", svc.OAuthProvider)
	}
}

func TestAllReturnsOnlyEnabledServices(t *testing.T) {
	reg, err := FromServices([]Service{
		{Name: "a", Enabled: true},
		{Name: "b", Enabled: false},
		{Name: "c", Enabled: true},
	})
	if err != nil {
		t.Fatalf("FromServices: %v", err)
	}

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d services, want 2", len(all))
	}
}
