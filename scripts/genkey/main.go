// genkey generates the HS256 secret Hibiki uses to sign requests it forwards
// to the agent runtime.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	data/runtime_signing.key  (mode 0600, keep this secret)
//
// and prints the matching HIBIKI_RUNTIME_SIGNING_KEY line for .env. The
// agent runtime must be configured with the same secret to verify the
// tokens. The data/ directory is gitignored.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	dir := "data"
	keyPath := filepath.Join(dir, "runtime_signing.key")

	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	// Rotating the secret breaks every runtime still holding the old one.
	if _, err := os.Stat(keyPath); err == nil {
		fmt.Fprintf(os.Stderr, "error: %s already exists; delete it first if you want to rotate the key\n", keyPath)
		os.Exit(1)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	if err := os.WriteFile(keyPath, []byte(secret+"\n"), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", keyPath, err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s\n", keyPath)
	fmt.Printf("HIBIKI_RUNTIME_SIGNING_KEY=%s\n", secret)
}
