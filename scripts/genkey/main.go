// genkey generates the secrets a Kensa deployment needs.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Writes an Ed25519 JWT signing pair to <dir>/jwt_private.pem and
// <dir>/jwt_public.pem (mode 0600), then prints a fresh KENSA_ENCRYPTION_KEY
// and KENSA_ADMIN_API_KEY for the environment. Existing key files are never
// overwritten; rotating them invalidates every issued token.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

func main() {
	dir := flag.String("dir", "data", "directory for the JWT key pair")
	envOut := flag.String("env", "", "also write the generated variables to this .env file")
	flag.Parse()

	if err := run(*dir, *envOut); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir, envOut string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	vars := map[string]string{
		"KENSA_JWT_PRIVATE_KEY": privPath,
		"KENSA_JWT_PUBLIC_KEY":  pubPath,
		"KENSA_ENCRYPTION_KEY":  randomB64(32),
		"KENSA_ADMIN_API_KEY":   randomB64(24),
	}

	fmt.Printf("wrote %s\nwrote %s\n\n", privPath, pubPath)
	rendered, err := godotenv.Marshal(vars)
	if err != nil {
		return fmt.Errorf("render env: %w", err)
	}
	fmt.Println(rendered)

	if envOut != "" {
		if _, err := os.Stat(envOut); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", envOut)
		}
		if err := godotenv.Write(vars, envOut); err != nil {
			return fmt.Errorf("write %s: %w", envOut, err)
		}
		fmt.Printf("\nwrote %s\n", envOut)
	}
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func randomB64(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}
