package certstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const reviewsDir = "reviews"

// FileBackend keeps one <identity>.json per certificate in Dir and review
// flags under Dir/reviews.
type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

func (f *FileBackend) Save(_ context.Context, cert Certificate) error {
	if err := ValidateIdentity(cert.AgentName); err != nil {
		return err
	}
	return writeJSONAtomic(f.Dir, cert.AgentName+".json", cert)
}

func (f *FileBackend) LoadAll(_ context.Context) ([]Certificate, error) {
	var out []Certificate
	err := readJSONDir(f.Dir, func(name string, data []byte) error {
		var c Certificate
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if c.AgentName == "" {
			c.AgentName = strings.TrimSuffix(name, ".json")
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (f *FileBackend) SaveReview(_ context.Context, r Review) error {
	if err := ValidateIdentity(r.AgentName); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(f.Dir, reviewsDir), r.AgentName+".json", r)
}

func (f *FileBackend) DeleteReview(_ context.Context, agent string) error {
	if err := ValidateIdentity(agent); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(f.Dir, reviewsDir, agent+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileBackend) Reviews(_ context.Context) ([]Review, error) {
	var out []Review
	err := readJSONDir(filepath.Join(f.Dir, reviewsDir), func(name string, data []byte) error {
		var r Review
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func readJSONDir(dir string, fn func(name string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := fn(e.Name(), data); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONAtomic(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
