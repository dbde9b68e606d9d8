package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"marketchain/cmd/internal/passphrase"
	"marketchain/crypto"
	"marketchain/gateway/middleware"
	"marketchain/native/bids"
	"marketchain/native/delivery"
)

const passphraseEnv = "MARKET_KEY_PASSPHRASE"

type sealedPayload struct {
	IV                 hexutil.Bytes `json:"iv"`
	EphemeralPublicKey hexutil.Bytes `json:"ephemPublicKey"`
	Ciphertext         hexutil.Bytes `json:"ciphertext"`
	MAC                hexutil.Bytes `json:"mac"`
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) < 1 {
		printUsage(stdout)
		return nil
	}
	switch args[0] {
	case "keygen":
		return keygen(args[1:], stdout)
	case "commit":
		return commit(args[1:], stdout)
	case "seal":
		return seal(args[1:], stdout)
	case "open":
		return open(args[1:], stdin, stdout)
	case "token":
		return token(args[1:], stdout)
	case "address":
		return address(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: market-cli <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen  -out <file>                       Generate a delivery key in an encrypted keystore")
	fmt.Fprintln(w, "  commit  <value>                           Print the blinded bid for a value")
	fmt.Fprintln(w, "  seal    -listing <id> -key <hex> <secret> Encrypt a delivery secret for the buyer key")
	fmt.Fprintln(w, "  open    -listing <id> -keystore <file>    Decrypt a payload read from stdin")
	fmt.Fprintln(w, "  token   -caller <addr> [-ttl 1h]          Mint a bearer token for local testing")
	fmt.Fprintln(w, "  address <hex|mkt1...>                     Print both forms of an identity")
	fmt.Fprintf(w, "The keystore passphrase is read from %s or prompted for.\n", passphraseEnv)
}

func keygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "keystore file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*out) == "" {
		return errors.New("keygen: -out is required")
	}
	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("keygen: %s already exists", *out)
	}
	pass, err := passphrase.NewSource(passphraseEnv, "delivery key").WithConfirmation().Get()
	if err != nil {
		return err
	}
	key, err := delivery.GenerateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	fmt.Fprintf(stdout, "Public key: %s\n", hexutil.Encode(key.PubKey().Bytes()))
	fmt.Fprintf(stdout, "Address:    %s\n", key.PubKey().Address())
	return nil
}

func commit(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("commit: exactly one value required")
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(args[0]), 10)
	if !ok {
		return fmt.Errorf("commit: invalid value %q", args[0])
	}
	digest, err := bids.Digest(value)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Fprintln(stdout, hexutil.Encode(digest[:]))
	return nil
}

func seal(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	listingID := fs.Uint64("listing", 0, "listing id the secret is bound to")
	keyHex := fs.String("key", "", "buyer delivery public key (0x hex)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("seal: exactly one secret required")
	}
	pub, err := hexutil.Decode(strings.TrimSpace(*keyHex))
	if err != nil {
		return fmt.Errorf("seal: buyer key: %w", err)
	}
	payload, err := delivery.Seal(pub, []byte(fs.Arg(0)), delivery.ListingContext(*listingID))
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sealedPayload{
		IV:                 payload.IV,
		EphemeralPublicKey: payload.EphemeralPublicKey,
		Ciphertext:         payload.Ciphertext,
		MAC:                payload.MAC,
	})
}

func open(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	listingID := fs.Uint64("listing", 0, "listing id the secret is bound to")
	keystorePath := fs.String("keystore", "", "delivery keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var sealed sealedPayload
	if err := json.NewDecoder(io.LimitReader(stdin, 1<<20)).Decode(&sealed); err != nil {
		return fmt.Errorf("open: decode payload: %w", err)
	}
	pass, err := passphrase.NewSource(passphraseEnv, "delivery key").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	secret, err := delivery.Open(key, delivery.Payload{
		IV:                 sealed.IV,
		EphemeralPublicKey: sealed.EphemeralPublicKey,
		Ciphertext:         sealed.Ciphertext,
		MAC:                sealed.MAC,
	}, delivery.ListingContext(*listingID))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	_, err = stdout.Write(append(secret, '\n'))
	return err
}

func token(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	caller := fs.String("caller", "", "caller identity (mkt1... or 0x hex)")
	secretEnv := fs.String("secret-env", "MARKET_AUTH_SECRET", "environment variable holding the HMAC secret")
	issuer := fs.String("issuer", "marketchain", "token issuer")
	audience := fs.String("audience", "", "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := crypto.ParseIdentity(*caller)
	if err != nil {
		return fmt.Errorf("token: caller: %w", err)
	}
	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	if secret == "" {
		return fmt.Errorf("token: %s is not set", *secretEnv)
	}
	signed, err := middleware.IssueToken([]byte(secret), *issuer, *audience, id, *ttl)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Fprintln(stdout, signed)
	return nil
}

func address(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("address: exactly one identity required")
	}
	id, err := crypto.ParseIdentity(args[0])
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	fmt.Fprintln(stdout, crypto.MarketAddress(id).String())
	fmt.Fprintln(stdout, hexutil.Encode(id[:]))
	return nil
}
