package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"gravitas/pkg/auth"
	"gravitas/pkg/certify"
	"gravitas/pkg/certstore"
	"gravitas/pkg/config"
	"gravitas/pkg/httpx"
	"gravitas/pkg/journal"
	"gravitas/pkg/logging"
	"gravitas/pkg/policy"
	"gravitas/pkg/quality"
	"gravitas/pkg/unit"
	"gravitas/pkg/unit/echo"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 30 * time.Second}
	newLogger  = func() logrus.FieldLogger {
		return logging.NewWithOutput("gravitasctl", os.Stderr, config.Env("LOG_LEVEL", "warn"), os.Getenv("LOG_FORMAT"))
	}
	newRegistry = func() (*unit.Registry, error) {
		reg := unit.NewRegistry()
		if err := echo.Register(reg); err != nil {
			return nil, err
		}
		return reg, nil
	}
)

var errFailed = errors.New("check failed")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "gravitasctl:", err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "certify":
		return certifyCmd(args[1:], out)
	case "certs":
		return certsCmd(args[1:], out)
	case "quality":
		return qualityCmd(args[1:], out)
	case "journal":
		return journalCmd(args[1:], out)
	case "policy":
		return policyCmd(args[1:], out)
	case "token":
		return tokenCmd(args[1:], out)
	case "sweep":
		return sweepCmd(args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "gravitasctl commands:")
	fmt.Fprintln(out, "  certify --unit echo [--path pkg/unit/echo/echo.go] [--root .] [--certs dir] [--journals dir] [--hash sha256|blake3]")
	fmt.Fprintln(out, "  certs [--certs dir] [--reviews]")
	fmt.Fprintln(out, "  quality [--certs dir] [--journals dir] [--threshold 75] [--window 720h]")
	fmt.Fprintln(out, "  journal --file record.md")
	fmt.Fprintln(out, "  policy --id ghost --action read --resource db/users [--policy file]")
	fmt.Fprintln(out, "  token --sub ghost [--groups admin,operator] [--ttl 1h]")
	fmt.Fprintln(out, "  sweep --url http://localhost:8080 --token <jwt> [--quality]")
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openTable(ctx context.Context, dir string, log logrus.FieldLogger) (*certstore.Table, error) {
	t := certstore.NewTable(certstore.NewFileBackend(dir), log)
	if err := t.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}
	return t, nil
}

func certifyCmd(args []string, out io.Writer) error {
	fs := newFlagSet("certify")
	name := fs.String("unit", "", "registered unit name, also the certified identity")
	path := fs.String("path", "", "unit source file; must be the registered source, which is the default")
	root := fs.String("root", config.Env("SOURCE_ROOT", "."), "directory registered source paths are relative to")
	certs := fs.String("certs", config.Env("CERTIFICATES_DIR", ".certificates"), "certificate directory")
	journals := fs.String("journals", config.Env("JOURNAL_DIR", journal.DefaultDir), "execution record directory")
	hash := fs.String("hash", config.Env("CERT_HASH", certify.HashSHA256), "source digest algorithm")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--unit required")
	}
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	if _, err := reg.Resolve(*name); err != nil {
		return err
	}
	ctx := context.Background()
	log := newLogger()
	table, err := openTable(ctx, *certs, log)
	if err != nil {
		return err
	}
	c := certify.New(certify.Options{
		Registry:   reg,
		Store:      table,
		JournalDir: *journals,
		SourceRoot: *root,
		Hash:       *hash,
		Validity:   time.Duration(config.EnvInt("CERT_VALIDITY_DAYS", 30)) * 24 * time.Hour,
		Logger:     log,
	})
	res := c.Certify(ctx, *path, *name)
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if !res.Passed {
		return fmt.Errorf("certify %s: %w", *name, errFailed)
	}
	return nil
}

func certsCmd(args []string, out io.Writer) error {
	fs := newFlagSet("certs")
	certs := fs.String("certs", config.Env("CERTIFICATES_DIR", ".certificates"), "certificate directory")
	reviews := fs.Bool("reviews", false, "list pending recertification reviews instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	table, err := openTable(context.Background(), *certs, newLogger())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	now := time.Now().UTC()
	if *reviews {
		fmt.Fprintln(tw, "IDENTITY\tSCORE\tFLAGGED\tREASON")
		for _, r := range table.PendingReviews() {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.AgentName, r.Score, r.FlaggedAt.Format(time.RFC3339), r.Reason)
		}
		return tw.Flush()
	}
	fmt.Fprintln(tw, "IDENTITY\tEXPIRES\tSTATUS\tSIGNATURE")
	for _, c := range table.List() {
		status := "valid"
		if c.Expired(now) {
			status = "expired"
		}
		if _, flagged := table.Review(c.AgentName); flagged {
			status += ",review"
		}
		sig := c.Signature
		if len(sig) > 12 {
			sig = sig[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.AgentName, c.ExpiresAt.Format(time.RFC3339), status, sig)
	}
	return tw.Flush()
}

func qualityCmd(args []string, out io.Writer) error {
	fs := newFlagSet("quality")
	certs := fs.String("certs", config.Env("CERTIFICATES_DIR", ".certificates"), "certificate directory")
	journals := fs.String("journals", config.Env("JOURNAL_DIR", journal.DefaultDir), "execution record directory")
	threshold := fs.Int("threshold", quality.DefaultThreshold, "minimum passing score")
	window := fs.Duration("window", quality.DefaultWindow, "only records modified inside this window count")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	log := newLogger()
	table, err := openTable(ctx, *certs, log)
	if err != nil {
		return err
	}
	report, err := quality.New(table, quality.Options{
		Dir:       *journals,
		Threshold: *threshold,
		Window:    *window,
		Logger:    log,
	}).Run(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, report)
}

func journalCmd(args []string, out io.Writer) error {
	fs := newFlagSet("journal")
	file := fs.String("file", "", "execution record to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	problems := journal.Validate(data)
	if len(problems) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	for _, p := range problems {
		fmt.Fprintln(out, "-", p)
	}
	return fmt.Errorf("%s: %d problems: %w", *file, len(problems), errFailed)
}

func policyCmd(args []string, out io.Writer) error {
	fs := newFlagSet("policy")
	path := fs.String("policy", config.Env("ACCESS_POLICY_PATH", "config/access_policies.yaml"), "access policy file")
	id := fs.String("id", "", "caller identity")
	action := fs.String("action", "", "requested action")
	resource := fs.String("resource", "", "requested resource")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *action == "" || *resource == "" {
		return errors.New("--id, --action and --resource required")
	}
	store := policy.NewStore(newLogger())
	store.Load(*path)
	dec := store.Evaluate(*id, *action, *resource)
	verdict := "DENIED"
	if dec.Allowed {
		verdict = "ALLOWED"
	}
	fmt.Fprintf(out, "%s groups=%s", verdict, strings.Join(store.Groups(*id), ","))
	if dec.Group != "" {
		fmt.Fprintf(out, " via=%s", dec.Group)
	}
	fmt.Fprintln(out)
	if !dec.Allowed {
		return errFailed
	}
	return nil
}

func tokenCmd(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	sub := fs.String("sub", "", "token subject")
	groups := fs.StringSlice("groups", nil, "comma separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	secret := fs.String("secret", os.Getenv("JWT_SECRET_KEY"), "HS256 signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("--sub required")
	}
	tok, err := auth.IssueToken(*secret, *sub, *groups, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func sweepCmd(args []string, out io.Writer) error {
	fs := newFlagSet("sweep")
	base := fs.String("url", config.Env("GRAVITAS_URL", "http://localhost:8080"), "gateway base URL")
	token := fs.String("token", os.Getenv("GRAVITAS_TOKEN"), "bearer token with the admin role")
	withQuality := fs.Bool("quality", false, "also run the quality audit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !httpx.IsHTTPURL(*base) {
		return fmt.Errorf("invalid --url %q", *base)
	}
	caller := httpx.Caller{Client: httpClient, Retries: 2, Backoff: 500 * time.Millisecond}
	resp, err := caller.PostJSON(context.Background(), strings.TrimSuffix(*base, "/")+"/v1/maintenance/sweep", *token,
		map[string]bool{"quality": *withQuality})
	if err != nil {
		return fmt.Errorf("sweep request: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("sweep: gateway answered %d: %s", resp.Status, strings.TrimSpace(string(resp.Body)))
	}
	var report map[string]any
	if err := resp.Decode(&report); err != nil {
		return err
	}
	return writeJSON(out, report)
}
