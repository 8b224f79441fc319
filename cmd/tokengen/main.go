// Package main provides a CLI tool for building bearer tokens for the quick
// simulation API, binding them to the body the request will carry.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"quickapi/internal/claims"
	"quickapi/internal/gateway"
)

type tokenOutput struct {
	Token        string            `json:"token"`
	Signed       bool              `json:"signed"`
	ClientID     string            `json:"client_id"`
	ParamsHashed map[string]string `json:"params_hashed"`
	Usage        map[string]string `json:"usage,omitempty"`
}

// fileFlags collects repeated -file name=path flags.
type fileFlags map[string]string

func (f fileFlags) String() string {
	parts := make([]string, 0, len(f))
	for name, path := range f {
		parts = append(parts, name+"="+path)
	}
	return strings.Join(parts, ",")
}

func (f fileFlags) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", v)
	}
	f[name] = path
	return nil
}

func main() {
	signCmd := flag.NewFlagSet("sign", flag.ExitOnError)
	decodeCmd := flag.NewFlagSet("decode", flag.ExitOnError)

	signClientID := signCmd.String("client-id", "", "Client ID (required)")
	signSecret := signCmd.String("secret", "", "Signing secret. Empty produces an unsigned token.")
	signRecaptcha := signCmd.String("recaptcha", "", "Recaptcha token for public calls")
	signData := signCmd.String("data", "", "Value of the data field, or @path to read it from a file")
	signFiles := fileFlags{}
	signCmd.Var(signFiles, "file", "Upload field as name=path. Repeatable.")
	signJSON := signCmd.Bool("json", false, "Output as JSON")

	decodeVerify := decodeCmd.String("verify", "", "Secret to verify the signature with")
	decodeJSON := decodeCmd.Bool("json", false, "Output as JSON")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sign":
		signCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		signToken(*signClientID, *signSecret, *signRecaptcha, *signData, signFiles, *signJSON)
	case "decode":
		decodeCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		if decodeCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "decode expects exactly one token")
			os.Exit(1)
		}
		decodeToken(decodeCmd.Arg(0), *decodeVerify, *decodeJSON)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tokengen - Build bearer tokens for the quick simulation API

Usage:
  tokengen <command> [flags]

Commands:
  sign      Build a token whose paramsHashed matches the given body
  decode    Print the claims of a token and optionally verify its signature

Examples:
  # Private call with a photo and simulation parameters
  tokengen sign -client-id acme -secret "$ACME_SECRET" \
    -file img=face.jpg -data '{"styleMode":"mix_manual","mixFactor":0.4}'

  # Public call signed with the exposed secret
  tokengen sign -client-id acme -secret "$ACME_EXPOSED_SECRET" -recaptcha "$RC" -file img=face.jpg

  # Inspect a token
  tokengen decode -verify "$ACME_SECRET" <token>

Use "tokengen <command> -h" for more information about a command.`)
}

func signToken(clientID, secret, recaptcha, data string, files fileFlags, jsonOutput bool) {
	if clientID == "" {
		fail("-client-id is required")
	}

	fields := make(map[string][]byte, len(files)+1)
	for name, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			fail("read %s: %v", path, err)
		}
		fields[name] = content
	}
	if data != "" {
		content := []byte(data)
		if path, ok := strings.CutPrefix(data, "@"); ok {
			var err error
			if content, err = os.ReadFile(path); err != nil {
				fail("read %s: %v", path, err)
			}
		}
		fields[gateway.FieldData] = content
	}

	c := claims.Claims{
		ClientID:       clientID,
		RecaptchaToken: recaptcha,
		ParamsHashed:   claims.HashFields(fields),
	}
	token, err := claims.Encode(c, secret)
	if err != nil {
		fail("encode token: %v", err)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token:        token,
			Signed:       secret != "",
			ClientID:     clientID,
			ParamsHashed: c.ParamsHashed,
			Usage: map[string]string{
				"header": "Authorization: Bearer <token>",
			},
		})
		return
	}

	fmt.Println("Bearer Token")
	fmt.Println("============")
	fmt.Printf("Client ID: %s\n", clientID)
	fmt.Printf("Signed:    %t\n", secret != "")
	for name, hash := range c.ParamsHashed {
		fmt.Printf("Hashed:    %s=%s\n", name, hash)
	}
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  curl -H \"Authorization: Bearer <token>\" -F img=@face.jpg http://localhost:8080/api/v1/quick-simulations/cosmetic")
}

func decodeToken(raw, verify string, jsonOutput bool) {
	t, err := claims.Decode(raw)
	if err != nil {
		fail("decode token: %v", err)
	}
	if verify != "" {
		if err := claims.VerifyToken(t, verify); err != nil {
			fail("verify token: %v", err)
		}
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token:        raw,
			Signed:       t.Signed(),
			ClientID:     t.Claims.ClientID,
			ParamsHashed: t.Claims.ParamsHashed,
		})
		return
	}

	fmt.Printf("Client ID: %s\n", t.Claims.ClientID)
	fmt.Printf("Signed:    %t\n", t.Signed())
	if verify != "" {
		fmt.Println("Signature: valid")
	}
	if t.Claims.RecaptchaToken != "" {
		fmt.Printf("Recaptcha: %s\n", t.Claims.RecaptchaToken)
	}
	for name, hash := range t.Claims.ParamsHashed {
		fmt.Printf("Hashed:    %s=%s\n", name, hash)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("encoding JSON: %v", err)
	}
}
