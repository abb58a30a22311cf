package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/caravel-sh/caravel/internal/domain"
)

type fakeRegistry struct {
	apps []domain.Application
}

func (f *fakeRegistry) List() []domain.Application { return f.apps }

type fakeSecrets struct {
	secret string
}

func (f *fakeSecrets) Secret() string { return f.secret }

type fakeDeployer struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{ch: make(chan string, 8)}
}

func (f *fakeDeployer) Deploy(id string) (string, error) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	f.ch <- id
	return "cycle-" + id, nil
}

func (f *fakeDeployer) waitForDeploy(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("deploy was not triggered")
		return ""
	}
}

func newTestService(registry *fakeRegistry, secret string, deployer *fakeDeployer) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(registry, &fakeSecrets{secret: secret}, deployer, logger)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushBody(cloneURL, ref string) []byte {
	return []byte(fmt.Sprintf(`{"ref":%q,"repository":{"clone_url":%q}}`, ref, cloneURL))
}

func TestVerifySignatureValid(t *testing.T) {
	svc := newTestService(&fakeRegistry{}, "s3cret", newFakeDeployer())
	body := pushBody("https://github.com/acme/blog", "refs/heads/main")
	if err := svc.VerifySignature(body, sign("s3cret", body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifySignatureMismatch(t *testing.T) {
	svc := newTestService(&fakeRegistry{}, "s3cret", newFakeDeployer())
	body := pushBody("https://github.com/acme/blog", "refs/heads/main")
	if err := svc.VerifySignature(body, sign("wrong", body)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifySignatureMissing(t *testing.T) {
	svc := newTestService(&fakeRegistry{}, "s3cret", newFakeDeployer())
	if err := svc.VerifySignature([]byte("{}"), ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestVerifySignatureSkippedWithoutSecret(t *testing.T) {
	svc := newTestService(&fakeRegistry{}, "", newFakeDeployer())
	if err := svc.VerifySignature([]byte("{}"), ""); err != nil {
		t.Fatalf("verification should be skipped without a secret: %v", err)
	}
}

func TestHandlePushMatchTriggersDeploy(t *testing.T) {
	registry := &fakeRegistry{apps: []domain.Application{
		{ID: "blog", RepoURL: "git@github.com:acme/blog.git", Branch: "main"},
	}}
	deployer := newFakeDeployer()
	svc := newTestService(registry, "", deployer)

	msg, err := svc.HandlePush(pushBody("https://github.com/acme/blog", "refs/heads/main"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if msg != "Deployment started" {
		t.Fatalf("message = %q", msg)
	}
	if id := deployer.waitForDeploy(t); id != "blog" {
		t.Fatalf("deployed %q, want blog", id)
	}
}

func TestHandlePushBranchMismatch(t *testing.T) {
	registry := &fakeRegistry{apps: []domain.Application{
		{ID: "blog", RepoURL: "https://github.com/acme/blog", Branch: "main"},
	}}
	deployer := newFakeDeployer()
	svc := newTestService(registry, "", deployer)

	msg, err := svc.HandlePush(pushBody("https://github.com/acme/blog", "refs/heads/dev"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if msg != "No matching app found" {
		t.Fatalf("message = %q", msg)
	}
	if len(deployer.ids) != 0 {
		t.Fatalf("unexpected deploys: %v", deployer.ids)
	}
}

func TestHandlePushUnknownRepo(t *testing.T) {
	registry := &fakeRegistry{apps: []domain.Application{
		{ID: "blog", RepoURL: "https://github.com/acme/blog", Branch: "main"},
	}}
	svc := newTestService(registry, "", newFakeDeployer())

	msg, err := svc.HandlePush(pushBody("https://github.com/other/thing", "refs/heads/main"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if msg != "No matching app found" {
		t.Fatalf("message = %q", msg)
	}
}

func TestHandlePushIgnoresNonBranchRef(t *testing.T) {
	registry := &fakeRegistry{apps: []domain.Application{
		{ID: "blog", RepoURL: "https://github.com/acme/blog", Branch: "main"},
	}}
	deployer := newFakeDeployer()
	svc := newTestService(registry, "", deployer)

	msg, err := svc.HandlePush(pushBody("https://github.com/acme/blog", "refs/tags/v1.0.0"))
	if err != nil {
		t.Fatalf("tag push should not error: %v", err)
	}
	if msg != "No matching app found" {
		t.Fatalf("message = %q", msg)
	}
	if len(deployer.ids) != 0 {
		t.Fatalf("unexpected deploys: %v", deployer.ids)
	}
}

func TestHandlePushMalformedBody(t *testing.T) {
	svc := newTestService(&fakeRegistry{}, "", newFakeDeployer())
	if _, err := svc.HandlePush([]byte("not json")); err == nil {
		t.Fatal("malformed payload should error")
	}
}

func TestNormalizeRepoURL(t *testing.T) {
	want := "github.com/acme/blog"
	for _, raw := range []string{
		"https://github.com/acme/Blog",
		"https://github.com/acme/blog.git",
		"git@github.com:acme/blog.git",
		"ssh://git@github.com/acme/blog",
		"git://github.com/acme/blog.git",
		"https://github.com/acme/blog/",
	} {
		if got := NormalizeRepoURL(raw); got != want {
			t.Errorf("NormalizeRepoURL(%q) = %q, want %q", raw, got, want)
		}
	}
	if NormalizeRepoURL("") != "" {
		t.Error("empty input should normalize to empty")
	}
}
