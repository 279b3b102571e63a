// Command keygen generates the secrets the service needs: an RSA signing
// key pair for access tokens and, with -aes, the 32-byte master key that
// encrypts MFA secrets at rest.
//
// The private key is written as <kid>.pem in -dir; its public half goes to
// <dir>/public/<kid>.pem, which is the directory the API publishes as
// JWKS. Rotation is generating a new kid and restarting: old public keys
// keep verifying outstanding tokens until they expire.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meridianhq/taskforge/internal/crypto"
)

func main() {
	dir := flag.String("dir", "keys", "directory for the generated key pair")
	kid := flag.String("kid", "", "key id (defaults to a timestamp)")
	force := flag.Bool("force", false, "overwrite existing files")
	aes := flag.Bool("aes", false, "print a fresh SECRET_MASTER_KEY instead of generating RSA keys")
	flag.Parse()

	if *aes {
		key, err := crypto.GenerateKey()
		if err != nil {
			fatal("failed to generate key: %v", err)
		}
		fmt.Printf("SECRET_MASTER_KEY=%s\n", key)
		return
	}

	if *kid == "" {
		*kid = time.Now().UTC().Format("20060102-150405")
	}

	privPath := filepath.Join(*dir, *kid+".pem")
	pubDir := filepath.Join(*dir, "public")
	pubPath := filepath.Join(pubDir, *kid+".pem")

	if !*force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				fatal("%s already exists (use -force to overwrite)", p)
			}
		}
	}
	if err := os.MkdirAll(pubDir, 0o755); err != nil {
		fatal("failed to create %s: %v", pubDir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		fatal("failed to generate key: %v", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	})

	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		fatal("failed to write %s: %v", privPath, err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		fatal("failed to write %s: %v", pubPath, err)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Printf("JWT_PRIVATE_KEY_PATH=%s\n", privPath)
	fmt.Printf("JWT_PUBLIC_KEY_DIR=%s\n", pubDir)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
