package util

import "testing"

func TestNewImageRewriter(t *testing.T) {
	rewrite, err := NewImageRewriter([]ImageRewrite{
		{From: "mirror.internal/dockerhub/", To: "docker.io/"},
		{From: `^registry\.cluster\.local:5000/(.*)$`, To: "ghcr.io/acme/$1", Regex: true},
		{From: "mirror.internal/", To: "quay.io/"},
	})
	if err != nil {
		t.Fatalf("build rewriter: %v", err)
	}

	cases := map[string]string{
		"mirror.internal/dockerhub/nginx:1.27":  "docker.io/nginx:1.27",
		"mirror.internal/cilium/cilium:v1":      "quay.io/cilium/cilium:v1",
		"registry.cluster.local:5000/app:2":     "ghcr.io/acme/app:2",
		"ghcr.io/untouched/app:1":               "ghcr.io/untouched/app:1",
		"nginx":                                 "nginx",
	}
	for in, want := range cases {
		if got := rewrite(in); got != want {
			t.Fatalf("rewrite(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestNewImageRewriterRejectsInvalidRules(t *testing.T) {
	if _, err := NewImageRewriter([]ImageRewrite{{From: "(", Regex: true}}); err == nil {
		t.Fatalf("expected invalid regex to be rejected")
	}
	if _, err := NewImageRewriter([]ImageRewrite{{From: " ", To: "x"}}); err == nil {
		t.Fatalf("expected empty from to be rejected")
	}
}

func TestNewImageRewriterWithoutRules(t *testing.T) {
	rewrite, err := NewImageRewriter(nil)
	if err != nil {
		t.Fatalf("build rewriter: %v", err)
	}
	if got := rewrite("nginx"); got != "nginx" {
		t.Fatalf("expected identity rewrite, got %q", got)
	}
}
