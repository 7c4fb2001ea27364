package policy

import (
	"encoding/json"
	"slices"
	"strings"
)

// AddPrefixToListBucketGrant grants public listing of objectName under bucketARN.
//
// The prefix is merged into the first Allow ListBucket statement on bucketARN
// that is already restricted by a StringEquals s3:prefix condition. A scalar
// prefix value is converted to a list first. When no such statement exists a
// new one is appended. Adding a prefix that is already granted is a no-op.
func AddPrefixToListBucketGrant(statements []Statement, bucketARN, objectName string) []Statement {
	out := cloneStatements(statements)

	first := -1
	for i := range out {
		prefixes, ok := listBucketPrefixes(out[i], bucketARN)
		if !ok {
			continue
		}
		if prefixes.Contains(objectName) {
			return out
		}
		if first < 0 {
			first = i
		}
	}

	if first < 0 {
		return append(out, Statement{
			Effect:    EffectAllow,
			Principal: slices.Clone(PublicPrincipal),
			Action:    Values{ActionListBucket},
			Resource:  Values{bucketARN},
			Condition: Condition{
				ConditionStringEquals: {ConditionKeyPrefix: mustValues(Values{objectName})},
			},
		})
	}

	prefixes, _ := listBucketPrefixes(out[first], bucketARN)
	out[first].Condition[ConditionStringEquals][ConditionKeyPrefix] = mustValues(append(prefixes, objectName))
	return out
}

// RemovePrefixFromListBucketGrant revokes public listing of objectName.
//
// The prefix is removed from the statement that grants it. An emptied prefix
// list removes the s3:prefix key, an emptied StringEquals block is removed, and
// an emptied Condition is removed. A statement left without conditions is
// dropped only if it grants nothing but ListBucket on bucketARN; otherwise it
// is kept. A nil input returns nil.
func RemovePrefixFromListBucketGrant(statements []Statement, bucketARN, objectName string) []Statement {
	if statements == nil {
		return nil
	}
	out := cloneStatements(statements)

	for i := range out {
		prefixes, ok := listBucketPrefixes(out[i], bucketARN)
		if !ok || !prefixes.Contains(objectName) {
			continue
		}

		st := &out[i]
		remaining := slices.DeleteFunc(prefixes, func(p string) bool { return p == objectName })
		if len(remaining) > 0 {
			st.Condition[ConditionStringEquals][ConditionKeyPrefix] = mustValues(remaining)
			return out
		}

		delete(st.Condition[ConditionStringEquals], ConditionKeyPrefix)
		if len(st.Condition[ConditionStringEquals]) == 0 {
			delete(st.Condition, ConditionStringEquals)
		}
		if len(st.Condition) == 0 {
			st.Condition = nil
		}
		if st.Condition == nil && soleListBucketGrant(*st, bucketARN) {
			out = slices.Delete(out, i, i+1)
		}
		return out
	}
	return out
}

// AddResourceToGetObjectGrant grants public read on resourceARN.
//
// The ARN is added to the first managed public-read statement, or a new
// statement is appended when there is none. A managed statement allows exactly
// s3:GetObject to the public principal with no condition and no NotAction or
// NotResource. Statements granting other principals or other actions are never
// touched, so a public-read ARN cannot leak into a writable or account grant. Adding an ARN that is already
// granted is a no-op. A nil input is treated as an empty policy.
func AddResourceToGetObjectGrant(statements []Statement, resourceARN string) []Statement {
	out := cloneStatements(statements)

	first := -1
	for i := range out {
		if !isGetObjectGrant(out[i]) {
			continue
		}
		if out[i].Resource.Contains(resourceARN) {
			return out
		}
		if first < 0 {
			first = i
		}
	}

	if first < 0 {
		return append(out, Statement{
			Effect:    EffectAllow,
			Principal: slices.Clone(PublicPrincipal),
			Action:    Values{ActionGetObject},
			Resource:  Values{resourceARN},
		})
	}
	out[first].Resource = append(out[first].Resource, resourceARN)
	return out
}

// RemoveResourceFromGetObjectGrant revokes public read on resourceARN.
//
// The ARN is removed from the managed public-read statement that grants it, and
// a statement left with no resources is removed. When no statement grants the
// ARN the input is returned unchanged. A nil input returns nil.
func RemoveResourceFromGetObjectGrant(statements []Statement, resourceARN string) []Statement {
	if statements == nil {
		return nil
	}
	out := cloneStatements(statements)

	for i := range out {
		if !isGetObjectGrant(out[i]) || !out[i].Resource.Contains(resourceARN) {
			continue
		}
		out[i].Resource = slices.DeleteFunc(out[i].Resource, func(r string) bool { return r == resourceARN })
		if len(out[i].Resource) == 0 {
			out = slices.Delete(out, i, i+1)
		}
		return out
	}
	return out
}

// listBucketPrefixes returns the s3:prefix values of a ListBucket grant on
// bucketARN. ok is false when st is not such a grant.
func listBucketPrefixes(st Statement, bucketARN string) (Values, bool) {
	if st.Effect != EffectAllow || !grantsPublic(st) || !st.Action.containsFold(ActionListBucket) || !st.Resource.Contains(bucketARN) {
		return nil, false
	}
	raw, ok := st.Condition[ConditionStringEquals][ConditionKeyPrefix]
	if !ok {
		return nil, false
	}
	var prefixes Values
	if err := json.Unmarshal(raw, &prefixes); err != nil {
		return nil, false
	}
	return prefixes, true
}

func soleListBucketGrant(st Statement, bucketARN string) bool {
	return len(st.Action) == 1 && st.Action.containsFold(ActionListBucket) &&
		len(st.Resource) == 1 && st.Resource[0] == bucketARN &&
		len(st.NotAction) == 0 && len(st.NotResource) == 0
}

func isGetObjectGrant(st Statement) bool {
	return st.Effect == EffectAllow && grantsPublic(st) &&
		len(st.Action) == 1 && strings.EqualFold(st.Action[0], ActionGetObject) &&
		len(st.NotAction) == 0 && len(st.NotResource) == 0 && len(st.Condition) == 0
}

// grantsPublic reports whether st names the anonymous principal: "*",
// {"AWS":"*"} or {"AWS":["*"]}.
func grantsPublic(st Statement) bool {
	if len(st.NotPrincipal) > 0 || len(st.Principal) == 0 {
		return false
	}
	var name string
	if err := json.Unmarshal(st.Principal, &name); err == nil {
		return name == "*"
	}
	var byType map[string]Values
	if err := json.Unmarshal(st.Principal, &byType); err != nil || len(byType) != 1 {
		return false
	}
	aws, ok := byType["AWS"]
	return ok && len(aws) == 1 && aws[0] == "*"
}

func mustValues(v Values) json.RawMessage {
	data, err := v.MarshalJSON()
	if err != nil {
		// Marshalling a string slice cannot fail.
		panic(err)
	}
	return data
}
