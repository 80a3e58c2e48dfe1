// authctl is the operator tool for tenant-auth signing keys and catalogs.
//
// Subcommands:
//
//	keygen   generate an RSA signing key
//	jwks     print the public key set for a signing key
//	catalog  validate a catalog file and print effective role permissions
//	verify   check an access token against a published key set
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/upb/tenant-auth/services/catalog"
	"github.com/upb/tenant-auth/services/token"
	"go.uber.org/zap"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "authctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("missing subcommand")
	}

	switch args[0] {
	case "keygen":
		return keygen(args[1:], out)
	case "jwks":
		return jwks(args[1:], out)
	case "catalog":
		return catalogCmd(args[1:], out)
	case "verify":
		return verify(ctx, args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: authctl <command> [flags]

Commands:
  keygen    generate an RSA signing key (PKCS#8 PEM)
  jwks      print the JSON Web Key Set of a signing key
  catalog   validate a catalog file merged over the built-in catalog
  verify    verify an access token against a JWKS endpoint
`)
}

func keygen(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	bits := fs.Int("bits", 3072, "key size in bits (minimum 2048)")
	path := fs.StringP("out", "o", "", "write the key to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := token.GenerateKey(*bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	pemBytes, err := token.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}

	if *path == "" {
		_, err = out.Write(pemBytes)
		return err
	}
	if err := os.WriteFile(*path, pemBytes, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	fmt.Fprintf(out, "wrote %d-bit key to %s\n", key.N.BitLen(), *path)
	return nil
}

func jwks(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("jwks", pflag.ContinueOnError)
	path := fs.StringP("key", "k", "", "signing key PEM file (required)")
	kid := fs.String("kid", "primary", "key id published in the set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("--key is required")
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	key, err := token.ParsePrivateKeyPEM(data)
	if err != nil {
		return err
	}

	set := token.JWKS{Keys: []token.JWK{token.NewJWK(*kid, &key.PublicKey)}}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}

func catalogCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("catalog", pflag.ContinueOnError)
	path := fs.StringP("file", "f", "", "catalog YAML merged over the built-in catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}

	builtin, err := catalog.Builtin()
	if err != nil {
		return err
	}
	seeds := []*catalog.Seed{builtin}
	if *path != "" {
		extra, err := catalog.LoadSeedFile(*path)
		if err != nil {
			return err
		}
		seeds = append(seeds, extra)
	}

	cat, err := catalog.NewCatalog(catalog.Repositories{}, nil, zap.NewNop(), seeds...)
	if err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tLEVEL\tASSIGNABLE\tPERMISSIONS")
	for _, role := range cat.Roles(uuid.Nil) {
		eff, err := cat.EffectivePermissions(role.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", role.Name, role.Level, role.Assignable, strings.Join(eff.Names(), ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out, cat)
	return nil
}

func verify(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	url := fs.String("jwks-url", "", "JWKS endpoint of the issuing service (required)")
	issuer := fs.String("issuer", "", "expected issuer")
	audience := fs.String("audience", "", "expected audience")
	timeout := fs.Duration("timeout", 10*time.Second, "key download timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: authctl verify --jwks-url URL <token>")
	}

	v, err := token.NewRemoteVerifier(token.VerifierConfig{
		Issuer:      *issuer,
		Audience:    *audience,
		JWKSURL:     *url,
		HTTPTimeout: *timeout,
	})
	if err != nil {
		return err
	}

	claims, err := v.Verify(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(claims)
}
