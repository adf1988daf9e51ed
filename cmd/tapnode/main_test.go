package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRun_InitProvisionsStoreAndKeys(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := Run([]string{"tapnode", "init", "--root", root, "--did", "did:example:alice"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("init exit code = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "signing kid") {
		t.Fatalf("expected signing kid in output, got %s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "agreement kid") {
		t.Fatalf("expected agreement kid in output, got %s", stdout.String())
	}
}

func TestRun_InitRequiresDID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapnode", "init", "--root", t.TempDir()}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit code 2 without --did, got %d", code)
	}
}

func TestRun_Doctor(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapnode", "doctor"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("doctor exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "tapnode doctor") {
		t.Fatalf("unexpected doctor output: %s", stdout.String())
	}
}

func TestRun_ServeRequiresDIDOrManifest(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapnode", "serve", "--root", t.TempDir()}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit code 2 without --did or --manifest, got %d", code)
	}
	if !strings.Contains(stderr.String(), "--did or --manifest") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestRun_ServeRejectsDIDAndManifestTogether(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapnode", "serve", "--root", t.TempDir(),
		"--did", "did:example:alice", "--manifest", "manifest.yaml"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit code 2 with both --did and --manifest, got %d", code)
	}
	if !strings.Contains(stderr.String(), "mutually exclusive") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestRun_ServeManifestMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapnode", "serve", "--root", t.TempDir(),
		"--manifest", t.TempDir() + "/does-not-exist.yaml"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1 for a missing manifest, got %d", code)
	}
	if !strings.Contains(stderr.String(), "manifest") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestRun_UnknownSubcommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapnode", "bogus"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit code 2 for unknown subcommand, got %d", code)
	}
}
