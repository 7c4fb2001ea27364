// Package policy models S3 bucket policy documents and edits the public-read
// grants that expose individual objects and prefixes.
//
// All transformations are pure. They never mutate their input and return a new
// statement slice, so a document fetched once can be edited several times and
// written back as a whole.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Version is the only policy language version S3 accepts for new documents.
const Version = "2012-10-17"

// Effects.
const (
	EffectAllow = "Allow"
	EffectDeny  = "Deny"
)

// Actions managed by this package.
const (
	ActionGetObject  = "s3:GetObject"
	ActionListBucket = "s3:ListBucket"
	actionS3Any      = "s3:*"
	actionAny        = "*"
)

// Condition operator and key used for ListBucket prefix grants.
const (
	ConditionStringEquals = "StringEquals"
	ConditionKeyPrefix    = "s3:prefix"
)

// ARNPrefix prefixes every S3 resource ARN.
const ARNPrefix = "arn:aws:s3:::"

// ErrMalformed indicates a policy body that is not a valid policy document.
var ErrMalformed = errors.New("malformed policy document")

// PublicPrincipal is the principal written into new statements.
var PublicPrincipal = json.RawMessage(`{"AWS":["*"]}`)

// Document is a bucket policy.
//
// A nil Statement slice means no policy exists yet, which is distinct from a
// policy whose statement list is empty.
type Document struct {
	Version   string      `json:"Version"`
	ID        string      `json:"Id,omitempty"`
	Statement []Statement `json:"Statement"`
}

// Statement is one access rule.
type Statement struct {
	Sid          string          `json:"Sid,omitempty"`
	Effect       string          `json:"Effect"`
	Principal    json.RawMessage `json:"Principal,omitempty"`
	NotPrincipal json.RawMessage `json:"NotPrincipal,omitempty"`
	Action       Values          `json:"Action,omitempty"`
	NotAction    Values          `json:"NotAction,omitempty"`
	Resource     Values          `json:"Resource,omitempty"`
	NotResource  Values          `json:"NotResource,omitempty"`
	Condition    Condition       `json:"Condition,omitempty"`
}

// Condition maps an operator (StringEquals, Bool, ...) to its keys. Values are
// kept raw so keys this package does not manage survive a round trip untouched.
type Condition map[string]map[string]json.RawMessage

// Values is a policy field that may be written as a single string or a list.
// It always marshals as a list.
type Values []string

// UnmarshalJSON accepts a string, a list of strings or null.
func (v *Values) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Values{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*v = list
	return nil
}

// MarshalJSON writes the values as a list.
func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(v))
}

// Contains reports whether s is present.
func (v Values) Contains(s string) bool {
	return slices.Contains(v, s)
}

func (v Values) containsFold(s string) bool {
	return slices.ContainsFunc(v, func(x string) bool { return strings.EqualFold(x, s) })
}

// New returns a document holding statements.
func New(statements []Statement) *Document {
	return &Document{Version: Version, Statement: statements}
}

// Parse decodes a policy document. Errors wrap ErrMalformed.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, st := range doc.Statement {
		if st.Effect != EffectAllow && st.Effect != EffectDeny {
			return nil, fmt.Errorf("%w: statement %d: invalid effect %q", ErrMalformed, i, st.Effect)
		}
	}
	if doc.Statement == nil {
		doc.Statement = []Statement{}
	}
	return &doc, nil
}

// Marshal encodes the document. An empty Version is filled with Version.
func (d *Document) Marshal() ([]byte, error) {
	out := *d
	if out.Version == "" {
		out.Version = Version
	}
	if out.Statement == nil {
		out.Statement = []Statement{}
	}
	return json.Marshal(out)
}

// Statements returns the statement slice of d, or nil when d is nil.
func (d *Document) Statements() []Statement {
	if d == nil {
		return nil
	}
	return d.Statement
}

// BucketARN returns the ARN of a bucket.
func BucketARN(bucket string) string {
	return ARNPrefix + bucket
}

// ObjectARN returns the ARN of an object key or key pattern within a bucket.
func ObjectARN(bucket, key string) string {
	return ARNPrefix + bucket + "/" + key
}

// Clone returns a deep copy of the statement.
func (s Statement) Clone() Statement {
	out := s
	out.Principal = slices.Clone(s.Principal)
	out.NotPrincipal = slices.Clone(s.NotPrincipal)
	out.Action = slices.Clone(s.Action)
	out.NotAction = slices.Clone(s.NotAction)
	out.Resource = slices.Clone(s.Resource)
	out.NotResource = slices.Clone(s.NotResource)
	out.Condition = s.Condition.clone()
	return out
}

func (c Condition) clone() Condition {
	if c == nil {
		return nil
	}
	out := make(Condition, len(c))
	for op, keys := range c {
		inner := make(map[string]json.RawMessage, len(keys))
		for k, v := range keys {
			inner[k] = slices.Clone(v)
		}
		out[op] = inner
	}
	return out
}

func cloneStatements(in []Statement) []Statement {
	out := make([]Statement, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
