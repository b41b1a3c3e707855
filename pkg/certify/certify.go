// Package certify validates an executable unit in three phases and issues
// a time-boxed certificate when all of them pass.
package certify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"gravitas/pkg/certstore"
	"gravitas/pkg/journal"
	"gravitas/pkg/logging"
	"gravitas/pkg/unit"
)

const (
	HashSHA256 = "sha256"
	HashBLAKE3 = "blake3"

	DefaultValidity    = 30 * 24 * time.Hour
	DefaultTestTimeout = 30 * time.Second
	TestPrompt         = "Summarize the word 'gravitas'"
)

type Analysis struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors"`
}

type TestResult struct {
	Passed     bool   `json:"passed"`
	Error      string `json:"error,omitempty"`
	RecordPath string `json:"record_path,omitempty"`
}

type Validation struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors"`
}

// Result reports every phase that ran. A failed certification is a
// Result with Passed false, never an error.
type Result struct {
	Passed      bool                   `json:"passed"`
	AgentName   string                 `json:"agent_name"`
	Path        string                 `json:"path"`
	Analysis    Analysis               `json:"static_analysis"`
	Test        *TestResult            `json:"dynamic_test,omitempty"`
	Validation  *Validation            `json:"output_validation,omitempty"`
	Certificate *certstore.Certificate `json:"certificate,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

type Options struct {
	Registry   *unit.Registry
	Store      *certstore.Table
	JournalDir string
	// SourceRoot anchors relative unit.Spec.Source paths. Defaults to ".".
	SourceRoot  string
	Hash        string
	Validity    time.Duration
	TestTimeout time.Duration
	Now         func() time.Time
	Logger      logrus.FieldLogger
}

type Certifier struct {
	registry    *unit.Registry
	store       *certstore.Table
	journalDir  string
	sourceRoot  string
	hash        string
	validity    time.Duration
	testTimeout time.Duration
	now         func() time.Time
	log         logrus.FieldLogger
}

func New(opts Options) *Certifier {
	c := &Certifier{
		registry:    opts.Registry,
		store:       opts.Store,
		journalDir:  opts.JournalDir,
		sourceRoot:  opts.SourceRoot,
		hash:        strings.ToLower(strings.TrimSpace(opts.Hash)),
		validity:    opts.Validity,
		testTimeout: opts.TestTimeout,
		now:         opts.Now,
		log:         logging.OrDiscard(opts.Logger),
	}
	if c.registry == nil {
		c.registry = unit.NewRegistry()
	}
	if c.store == nil {
		c.store = certstore.NewTable(nil, c.log)
	}
	if c.sourceRoot == "" {
		c.sourceRoot = "."
	}
	if c.hash == "" {
		c.hash = HashSHA256
	}
	if c.validity <= 0 {
		c.validity = DefaultValidity
	}
	if c.testTimeout <= 0 {
		c.testTimeout = DefaultTestTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Certify runs static analysis, a dynamic test and output validation in
// order, stopping at the first failed phase. unitPath must be the declared
// source of the unit registered as identity; an empty unitPath selects it.
// The file analyzed and signed is always the one the dynamic test runs.
func (c *Certifier) Certify(ctx context.Context, unitPath, identity string) Result {
	res := Result{AgentName: identity, Path: unitPath}
	log := c.log.WithFields(logrus.Fields{"identity": identity, "path": unitPath})
	if err := certstore.ValidateIdentity(identity); err != nil {
		res.Error = err.Error()
		return res
	}

	spec, source, err := c.sourceFor(identity, unitPath)
	if err != nil {
		res.Analysis = Analysis{Errors: []string{err.Error()}}
		log.WithError(err).Warn("certification failed static analysis")
		return res
	}
	res.Path = source
	res.Analysis = Analyze(source)
	if !res.Analysis.Passed {
		log.WithField("errors", res.Analysis.Errors).Warn("certification failed static analysis")
		return res
	}

	test := c.dynamicTest(ctx, identity, spec)
	res.Test = &test
	if !test.Passed {
		log.WithField("error", test.Error).Warn("certification failed dynamic test")
		return res
	}

	validation := validateRecord(test.RecordPath)
	res.Validation = &validation
	if !validation.Passed {
		log.WithField("errors", validation.Errors).Warn("certification failed output validation")
		return res
	}

	sig, err := c.signature(source)
	if err != nil {
		res.Error = "hash source: " + err.Error()
		return res
	}
	issued := c.now().UTC()
	cert := certstore.Certificate{
		AgentName: identity,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(c.validity),
		Signature: sig,
		Version:   certstore.CurrentVersion,
	}
	if err := c.store.Put(ctx, cert); err != nil {
		res.Error = "persist certificate: " + err.Error()
		return res
	}
	res.Passed = true
	res.Certificate = &cert
	log.WithField("expires_at", cert.ExpiresAt).Info("unit certified")
	return res
}

// ListCertificates returns every known certificate ordered by identity.
func (c *Certifier) ListCertificates(_ context.Context) []certstore.Certificate {
	return c.store.List()
}

func (c *Certifier) Store() *certstore.Table { return c.store }

// sourceFor resolves the unit registered as identity and binds unitPath to
// its declared source file.
func (c *Certifier) sourceFor(identity, unitPath string) (unit.Spec, string, error) {
	spec, err := c.registry.Resolve(identity)
	if err != nil {
		return unit.Spec{}, "", err
	}
	if strings.TrimSpace(spec.Source) == "" {
		return unit.Spec{}, "", fmt.Errorf("unit %s declares no source file", spec.Ref())
	}
	declared := spec.Source
	if !filepath.IsAbs(declared) {
		declared = filepath.Join(c.sourceRoot, declared)
	}
	if strings.TrimSpace(unitPath) == "" {
		return spec, declared, nil
	}
	got, err := os.Stat(unitPath)
	if err != nil {
		return unit.Spec{}, "", fmt.Errorf("unit source: %w", err)
	}
	want, err := os.Stat(declared)
	if err != nil {
		return unit.Spec{}, "", fmt.Errorf("declared source of %s: %w", spec.Ref(), err)
	}
	if !os.SameFile(got, want) {
		return unit.Spec{}, "", fmt.Errorf("%s is not the source of unit %s (declared %s)", unitPath, spec.Ref(), spec.Source)
	}
	return spec, unitPath, nil
}

func (c *Certifier) dynamicTest(ctx context.Context, identity string, spec unit.Spec) TestResult {
	session := "test_session_" + c.now().Format("20060102_150405")
	u := spec.New(unit.Config{
		Identity:   identity,
		SessionID:  session,
		Model:      spec.Model,
		Tier:       spec.Tier,
		JournalDir: c.journalDir,
		Gate:       unit.AllowAll{},
		Logger:     c.log,
	})

	ctx, cancel := context.WithTimeout(ctx, c.testTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("unit panicked: %v", r)
			}
		}()
		_, err := unit.Execute(ctx, u, unit.Task{"prompt": TestPrompt})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return TestResult{Error: "Dynamic test failed: " + err.Error()}
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TestResult{Error: fmt.Sprintf("dynamic test timed out after %s", c.testTimeout)}
		}
		return TestResult{Error: "dynamic test cancelled: " + ctx.Err().Error()}
	}

	core := u.Core()
	if core == nil {
		return TestResult{Error: "Dynamic test failed: unit has no base"}
	}
	path := core.RecordPath()
	if _, err := os.Stat(path); err != nil {
		return TestResult{Error: "Execution record not found at " + path}
	}
	return TestResult{Passed: true, RecordPath: path}
}

func validateRecord(path string) Validation {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Validation{Errors: []string{"Execution record not found: " + path}}
	}
	if err != nil {
		return Validation{Errors: []string{"Read error: " + err.Error()}}
	}
	problems := journal.Validate(data)
	return Validation{Passed: len(problems) == 0, Errors: problems}
}

func (c *Certifier) signature(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Hash(c.hash, data)
}

// Hash returns the hex digest of data with the named algorithm.
func Hash(algo string, data []byte) (string, error) {
	switch algo {
	case HashSHA256, "":
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case HashBLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash %q", algo)
	}
}
