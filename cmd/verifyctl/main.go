package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/sdk"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "register":
		return register(args[1:], out)
	case "status":
		return status(args[1:], out)
	case "lookup":
		return lookup(args[1:], out)
	case "signals":
		return signals(args[1:], out)
	case "anchors":
		return anchors(args[1:], out)
	case "revoke":
		return revoke(args[1:], out)
	case "gen-device-key":
		return genDeviceKey(args[1:], out)
	case "sign-nonce":
		return signNonce(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "verifyctl commands:")
	fmt.Fprintln(out, "  register --agent <id>")
	fmt.Fprintln(out, "  status --agent <id>")
	fmt.Fprintln(out, "  lookup --agents <id,id,...>")
	fmt.Fprintln(out, "  signals --agent <id>         (admin)")
	fmt.Fprintln(out, "  anchors                      (admin)")
	fmt.Fprintln(out, "  revoke --agent <id>          (admin)")
	fmt.Fprintln(out, "  gen-device-key --out device.key")
	fmt.Fprintln(out, "  sign-nonce --key device.key --nonce <hex>")
	fmt.Fprintln(out, "env: VERIFY_URL (default http://localhost:8090), VERIFY_ADMIN_TOKEN")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func newSDKClient() *sdk.Client {
	base := os.Getenv("VERIFY_URL")
	if base == "" {
		base = "http://localhost:8090"
	}
	c := sdk.NewClient(base, 10*time.Second)
	c.AuthToken = os.Getenv("VERIFY_ADMIN_TOKEN")
	return c
}

func printJSON(out io.Writer, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func register(args []string, out io.Writer) error {
	fs := newFlagSet("register")
	agent := fs.String("agent", "", "agent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" {
		return errors.New("agent required")
	}
	res, err := newSDKClient().Register(context.Background(), *agent)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return printJSON(out, res)
}

func status(args []string, out io.Writer) error {
	fs := newFlagSet("status")
	agent := fs.String("agent", "", "agent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" {
		return errors.New("agent required")
	}
	st, err := newSDKClient().Status(context.Background(), *agent)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return printJSON(out, st)
}

func lookup(args []string, out io.Writer) error {
	fs := newFlagSet("lookup")
	agents := fs.String("agents", "", "comma-separated agent ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := splitIDs(*agents)
	if len(ids) == 0 {
		return errors.New("agents required")
	}
	entries, err := newSDKClient().Lookup(context.Background(), ids)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	return printJSON(out, entries)
}

func signals(args []string, out io.Writer) error {
	fs := newFlagSet("signals")
	agent := fs.String("agent", "", "agent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" {
		return errors.New("agent required")
	}
	list, err := newSDKClient().Signals(context.Background(), *agent)
	if err != nil {
		return fmt.Errorf("signals: %w", err)
	}
	return printJSON(out, list)
}

func anchors(args []string, out io.Writer) error {
	fs := newFlagSet("anchors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pending, err := newSDKClient().PendingAnchors(context.Background())
	if err != nil {
		return fmt.Errorf("anchors: %w", err)
	}
	return printJSON(out, pending)
}

func revoke(args []string, out io.Writer) error {
	fs := newFlagSet("revoke")
	agent := fs.String("agent", "", "agent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" {
		return errors.New("agent required")
	}
	st, err := newSDKClient().Revoke(context.Background(), *agent)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	return printJSON(out, st)
}

func genDeviceKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-device-key")
	outPath := fs.String("out", "device.key", "private key output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	signer, err := sdk.GenerateDeviceSigner()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, []byte(signer.PrivateKeyHex()), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\npublic key: %s\n", *outPath, signer.PublicKeyHex())
	return nil
}

func signNonce(args []string, out io.Writer) error {
	fs := newFlagSet("sign-nonce")
	keyPath := fs.String("key", "", "hex private key path")
	nonce := fs.String("nonce", "", "hex nonce from the mobile challenge")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" || *nonce == "" {
		return errors.New("key and nonce required")
	}
	raw, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	signer, err := sdk.NewDeviceSignerFromHex(string(raw))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signer.SignNonce(*nonce))
	return nil
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
