package storage

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/pktmask/pktmask/mask"
)

// RuleWriter dumps a KeepRuleSet as JSON for tests and debugging.  The rule
// set needs no on-disk form in the pipeline itself.
type RuleWriter struct {
	f     *os.File
	rules int
}

// NewRuleWriter creates missing directories and opens the output file.
// Callers must call Close to release the file pointer.
func NewRuleWriter(dir, path string) (*RuleWriter, error) {
	p := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &RuleWriter{f: f}, nil
}

// Commit writes the rule set immediately.
func (rw *RuleWriter) Commit(ks *mask.KeepRuleSet) error {
	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ks); err != nil {
		return err
	}
	if _, err := buf.WriteTo(rw.f); err != nil {
		return err
	}
	rw.rules += len(ks.Rules)
	return nil
}

// Close closes the underlying file object.
func (rw *RuleWriter) Close() error {
	err := rw.f.Close()
	if err != nil {
		return err
	}
	log.Printf("Successful RuleWriter.Close(); wrote %d rules to %s", rw.rules, rw.f.Name())
	return nil
}
