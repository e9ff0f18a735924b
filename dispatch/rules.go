package dispatch

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/hupe1980/blobmgr/blob"
	"github.com/hupe1980/blobmgr/repository"
)

// Reserved property names of the rules dispatcher.
const (
	PropDefault = "default"
	PropRecords = "records"
)

// Clause names resolved from the blob or document instead of a property.
const (
	ClauseBlobName       = "blob:name"
	ClauseBlobMimeType   = "blob:mime-type"
	ClauseBlobEncoding   = "blob:encoding"
	ClauseBlobDigest     = "blob:digest"
	ClauseBlobLength     = "blob:length"
	ClauseBlobXPath      = "blob:xpath"
	ClauseRepositoryName = "ecm:repositoryName"
	ClausePrimaryType    = "ecm:primaryType"
	ClauseIsRecord       = "ecm:isRecord"
)

// ErrInvalidRule is returned by Initialize for unparsable rules.
var ErrInvalidRule = errors.New("invalid dispatch rule")

// ErrNoProvider is returned by Dispatch when no rule matches and there is
// no default provider.
var ErrNoProvider = errors.New("no default provider")

type op int

const (
	opEq op = iota
	opNeq
	opLt
	opGt
	opGlob
	opRegexp
)

var clauseRE = regexp.MustCompile(`^([^=!<>~^]+)(!=|=|<|>|~|\^)(.*)$`)

type clause struct {
	name  string
	op    op
	value string
	re    *regexp.Regexp
}

type rule struct {
	clauses    []clause
	providerID string
}

// Rules routes blobs with an ordered list of rules. Each property other
// than "default" and "records" is a rule: its name is a whitespace
// separated list of clauses that must all match, its value the provider.
// A clause is "<name><op><value>" with op one of = != < > ~ (glob) and
// ^ (regexp), e.g. "blob:mime-type~video/* blob:length>1000000".
//
// The first matching rule wins. Documents that are records go to the
// "records" provider if one is configured. Otherwise blobs go to the
// "default" provider, which defaults to the repository name. Keys are
// prefixed iff the provider differs from the repository default.
type Rules struct {
	NopHooks
	rules           []rule
	defaultProvider string
	recordsProvider string
}

var _ Dispatcher = (*Rules)(nil)

// NewRules returns an uninitialized rules dispatcher.
func NewRules() *Rules {
	return &Rules{}
}

// Initialize implements Dispatcher.
func (r *Rules) Initialize(props Properties) error {
	for _, p := range props {
		switch p.Name {
		case PropDefault:
			r.defaultProvider = strings.TrimSpace(p.Value)
		case PropRecords:
			r.recordsProvider = strings.TrimSpace(p.Value)
		default:
			ru, err := parseRule(p.Name, strings.TrimSpace(p.Value))
			if err != nil {
				return err
			}
			r.rules = append(r.rules, ru)
		}
	}
	return nil
}

func parseRule(expr, providerID string) (rule, error) {
	if providerID == "" {
		return rule{}, fmt.Errorf("%w: %q has no provider", ErrInvalidRule, expr)
	}
	ru := rule{providerID: providerID}
	for _, field := range strings.Fields(expr) {
		m := clauseRE.FindStringSubmatch(field)
		if m == nil {
			return rule{}, fmt.Errorf("%w: %q", ErrInvalidRule, field)
		}
		c := clause{name: m[1], value: m[3]}
		switch m[2] {
		case "=":
			c.op = opEq
		case "!=":
			c.op = opNeq
		case "<":
			c.op = opLt
		case ">":
			c.op = opGt
		case "~":
			c.op = opGlob
			if _, err := path.Match(c.value, ""); err != nil {
				return rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidRule, field, err)
			}
		case "^":
			c.op = opRegexp
			re, err := regexp.Compile(c.value)
			if err != nil {
				return rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidRule, field, err)
			}
			c.re = re
		}
		ru.clauses = append(ru.clauses, c)
	}
	if len(ru.clauses) == 0 {
		return rule{}, fmt.Errorf("%w: empty rule for %s", ErrInvalidRule, providerID)
	}
	return ru, nil
}

// ProviderIDs implements Dispatcher. When "default" is unset the
// repository-named defaults are not known here; callers add them through
// RepositoryProvider.
func (r *Rules) ProviderIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	add(r.defaultProvider)
	for _, ru := range r.rules {
		add(ru.providerID)
	}
	add(r.recordsProvider)
	return ids
}

// RepositoryProvider implements Dispatcher.
func (r *Rules) RepositoryProvider(repositoryName string) string {
	if r.defaultProvider != "" {
		return r.defaultProvider
	}
	return repositoryName
}

// Dispatch implements Dispatcher.
func (r *Rules) Dispatch(doc repository.Document, b blob.Blob, xpath string) (Decision, error) {
	repo := ""
	if doc != nil {
		repo = doc.RepositoryName()
	}
	def := r.RepositoryProvider(repo)

	providerID := ""
	if r.recordsProvider != "" && doc != nil && doc.IsRecord() {
		providerID = r.recordsProvider
	}
	if providerID == "" {
		for _, ru := range r.rules {
			if ru.matches(doc, b, xpath) {
				providerID = ru.providerID
				break
			}
		}
	}
	if providerID == "" {
		providerID = def
	}
	if providerID == "" {
		return Decision{}, ErrNoProvider
	}
	return Decision{ProviderID: providerID, AddPrefix: providerID != def}, nil
}

func (ru rule) matches(doc repository.Document, b blob.Blob, xpath string) bool {
	for _, c := range ru.clauses {
		v, ok := clauseValue(c.name, doc, b, xpath)
		if !ok || !c.match(v) {
			return false
		}
	}
	return true
}

func clauseValue(name string, doc repository.Document, b blob.Blob, xpath string) (string, bool) {
	switch name {
	case ClauseBlobName, ClauseBlobMimeType, ClauseBlobEncoding, ClauseBlobDigest, ClauseBlobLength:
		if b == nil {
			return "", false
		}
		switch name {
		case ClauseBlobName:
			return b.Filename(), true
		case ClauseBlobMimeType:
			return b.MimeType(), true
		case ClauseBlobEncoding:
			return b.Encoding(), true
		case ClauseBlobDigest:
			return b.Digest(), true
		default:
			return strconv.FormatInt(b.Length(), 10), true
		}
	case ClauseBlobXPath:
		return xpath, true
	}
	if doc == nil {
		return "", false
	}
	switch name {
	case ClauseRepositoryName:
		return doc.RepositoryName(), true
	case ClausePrimaryType:
		return doc.Type(), true
	case ClauseIsRecord:
		return strconv.FormatBool(doc.IsRecord()), true
	}
	v, err := doc.Value(name)
	if err != nil || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

func (c clause) match(v string) bool {
	switch c.op {
	case opEq:
		return v == c.value
	case opNeq:
		return v != c.value
	case opLt, opGt:
		a, err1 := strconv.ParseFloat(v, 64)
		b, err2 := strconv.ParseFloat(c.value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if c.op == opLt {
			return a < b
		}
		return a > b
	case opGlob:
		ok, _ := path.Match(c.value, v)
		return ok
	case opRegexp:
		return c.re.MatchString(v)
	}
	return false
}
