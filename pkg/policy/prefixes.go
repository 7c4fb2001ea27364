package policy

import (
	"slices"
	"strings"
)

// AllowedPrefixes returns the key prefixes of bucket that the statements make
// publicly readable.
//
// Resources are taken from Allow statements to the public principal whose
// actions include GetObject or a wildcard. The bucket ARN prefix and any trailing "*" are stripped, so
// "arn:aws:s3:::data/reports/*" yields "reports/" and "arn:aws:s3:::data/*"
// yields "" (the whole bucket). Resources of other buckets are ignored.
func AllowedPrefixes(statements []Statement, bucket string) []string {
	objectPrefix := ObjectARN(bucket, "")
	var out []string
	for _, st := range statements {
		if st.Effect != EffectAllow || !grantsPublic(st) || !grantsRead(st.Action) {
			continue
		}
		for _, res := range st.Resource {
			var frag string
			switch {
			case res == actionAny || res == ARNPrefix+"*":
				frag = ""
			case strings.HasPrefix(res, objectPrefix):
				frag = strings.TrimSuffix(strings.TrimPrefix(res, objectPrefix), "*")
			default:
				continue
			}
			if !slices.Contains(out, frag) {
				out = append(out, frag)
			}
		}
	}
	return out
}

func grantsRead(actions Values) bool {
	return actions.containsFold(ActionGetObject) || actions.containsFold(actionS3Any) || actions.Contains(actionAny)
}

// MatchPrefix returns the longest allowed prefix of key.
func MatchPrefix(allowed []string, key string) (string, bool) {
	best, found := "", false
	for _, p := range allowed {
		if strings.HasPrefix(key, p) && (!found || len(p) > len(best)) {
			best, found = p, true
		}
	}
	return best, found
}

// IsPublic reports whether key falls under one of the allowed prefixes.
func IsPublic(allowed []string, key string) bool {
	_, ok := MatchPrefix(allowed, key)
	return ok
}
