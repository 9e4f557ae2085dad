package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/argus-sec/argus/internal/models"
)

// ruleDoc mirrors the on-disk YAML shape of a rule document. Pointer fields
// distinguish "absent" from zero values during validation.
type ruleDoc struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Severity    string        `yaml:"severity"`
	Enabled     *bool         `yaml:"enabled"`
	Source      string        `yaml:"source"`
	Conditions  *ConditionSet `yaml:"conditions"`
	Exceptions  []Condition   `yaml:"exceptions"`
	TenantIDs   []string      `yaml:"tenantIds"`
	Author      string        `yaml:"author"`
	References  []string      `yaml:"references"`
	Tags        []string      `yaml:"tags"`
}

// Loader discovers rule documents under a catalog directory. Results are
// cached until MarkDirty is called (the catalog watcher does this on file
// changes); every Load returns an immutable snapshot so evaluation is
// race-free against concurrent reloads.
type Loader struct {
	dir    string
	filter string // optional wildcard over rule ids

	mu     sync.Mutex
	cached []Rule
	loaded bool
}

// NewLoader creates a loader over the given catalog directory. filter, when
// non-empty, is a wildcard pattern applied to derived rule ids; documents
// outside the pattern are ignored.
func NewLoader(dir, filter string) *Loader {
	return &Loader{dir: dir, filter: filter}
}

// MarkDirty invalidates the cached catalog; the next Load re-reads disk.
func (l *Loader) MarkDirty() {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}

// Load returns the rule catalog in stable lexical order. Malformed
// documents are logged and skipped; an invalid document never breaks
// loading of the others.
func (l *Loader) Load() ([]Rule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return l.cached, nil
	}

	var loaded []Rule
	root := os.DirFS(l.dir)
	err := fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRuleDocument(path) {
			return nil
		}

		id := ruleID(path)
		if l.filter != "" && !wildcard.Match(l.filter, id) {
			return nil
		}

		data, err := fs.ReadFile(root, path)
		if err != nil {
			log.Warn().Err(err).Str("rule", path).Msg("Failed to read rule document, skipping")
			return nil
		}

		rule, err := parseRule(id, data)
		if err != nil {
			log.Warn().Err(err).Str("rule", id).Msg("Invalid rule document, skipping")
			return nil
		}
		loaded = append(loaded, rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk rule catalog %s: %w", l.dir, err)
	}

	l.cached = loaded
	l.loaded = true
	log.Debug().Int("rules", len(loaded)).Str("catalog", l.dir).Msg("Rule catalog loaded")
	return l.cached, nil
}

func isRuleDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// ruleID derives the stable identifier from a document's catalog-relative
// location: separators normalized to forward slashes, suffix stripped.
func ruleID(path string) string {
	id := filepath.ToSlash(path)
	return strings.TrimSuffix(id, filepath.Ext(id))
}

func parseRule(id string, data []byte) (Rule, error) {
	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Rule{}, fmt.Errorf("yaml decode: %w", err)
	}

	if doc.Name == "" {
		return Rule{}, fmt.Errorf("missing name")
	}
	if doc.Description == "" {
		return Rule{}, fmt.Errorf("missing description")
	}
	if doc.Enabled == nil {
		return Rule{}, fmt.Errorf("missing enabled flag")
	}
	if doc.Conditions == nil || doc.Conditions.Rules == nil {
		return Rule{}, fmt.Errorf("missing conditions")
	}

	severity, ok := models.ParseSeverity(doc.Severity)
	if !ok {
		return Rule{}, fmt.Errorf("invalid severity %q", doc.Severity)
	}

	source, ok := parseSource(doc.Source)
	if !ok {
		return Rule{}, fmt.Errorf("invalid source %q", doc.Source)
	}

	return Rule{
		ID:          id,
		Name:        doc.Name,
		Description: doc.Description,
		Severity:    severity,
		Enabled:     *doc.Enabled,
		Source:      source,
		Conditions:  *doc.Conditions,
		Exceptions:  doc.Exceptions,
		TenantIDs:   doc.TenantIDs,
		Author:      doc.Author,
		References:  doc.References,
		Tags:        doc.Tags,
	}, nil
}

func parseSource(s string) (models.SourceType, bool) {
	for _, source := range []models.SourceType{models.SourceSignIn, models.SourceSecurityAlert, models.SourceAuditLog} {
		if strings.EqualFold(string(source), s) {
			return source, true
		}
	}
	return "", false
}
