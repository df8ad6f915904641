package admission

import (
	"testing"

	"github.com/trow-registry/trow/configuration"
)

func TestCheckImageAllowed(t *testing.T) {
	policy := configuration.ImageValidation{
		Default: "Deny",
		Allow:   []string{"localhost:8080", "quay.io"},
	}

	cases := []struct {
		ref     string
		allowed bool
	}{
		{"localhost:8080/mydir/myimage:test", true},
		{"quay.io/mydir/myimage:test", true},
	}
	for _, c := range cases {
		if got := checkImageAllowed(c.ref, policy).allowed; got != c.allowed {
			t.Errorf("checkImageAllowed(%q) = %v, want %v", c.ref, got, c.allowed)
		}
	}

	denyPolicy := configuration.ImageValidation{
		Default: "Allow",
		Deny:    []string{"registry-1.docker.io", "toto.land"},
	}

	denyCases := []struct {
		ref     string
		allowed bool
	}{
		{"ubuntu", false},
		{"toto.land/myimage:test", false},
		{"quay.io/myimage:test", true},
	}
	for _, c := range denyCases {
		if got := checkImageAllowed(c.ref, denyPolicy).allowed; got != c.allowed {
			t.Errorf("checkImageAllowed(%q) = %v, want %v", c.ref, got, c.allowed)
		}
	}
}

func TestCheckImageAllowedInvalidReference(t *testing.T) {
	policy := configuration.ImageValidation{Default: "Allow"}
	if checkImageAllowed("quay.io/myimage@invalid", policy).allowed {
		t.Error("expected an unparsable reference to be denied regardless of default policy")
	}
}

func TestRewrittenImage(t *testing.T) {
	proxies := []configuration.ProxyUpstream{
		{Alias: "docker", Host: "docker.io"},
		{Alias: "quay", Host: "quay.io"},
	}

	rewritten, ok := rewrittenImage("nginx:1.27", "trow.io", proxies)
	if !ok {
		t.Fatal("expected nginx to match the docker.io upstream")
	}
	if want := "trow.io/f/docker/library/nginx:1.27"; rewritten != want {
		t.Errorf("rewrittenImage() = %q, want %q", rewritten, want)
	}

	if _, ok := rewrittenImage("ghcr.io/foo/bar:latest", "trow.io", proxies); ok {
		t.Error("expected an unmatched host to be left untouched")
	}
}
