// Package awsutil holds small helpers shared by the AWS-backed components.
package awsutil

import (
	"errors"
	"strings"
)

// arnSegments is the number of colon-separated fields in an ARN. The
// resource field may itself contain colons.
const arnSegments = 6

// ErrNotARN is returned by ParseARN for strings that are not ARNs.
var ErrNotARN = errors.New("not an ARN")

// ARN is a parsed Amazon Resource Name:
// arn:partition:service:region:account:resource.
type ARN struct {
	Partition string
	Service   string
	Region    string
	Account   string
	Resource  string
}

// IsARN reports whether s looks like an ARN.
func IsARN(s string) bool {
	_, err := ParseARN(s)
	return err == nil
}

// ParseARN splits s into its fields.
func ParseARN(s string) (ARN, error) {
	parts := strings.SplitN(s, ":", arnSegments)
	if len(parts) != arnSegments || parts[0] != "arn" || parts[1] == "" || parts[2] == "" {
		return ARN{}, ErrNotARN
	}
	return ARN{
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		Account:   parts[4],
		Resource:  parts[5],
	}, nil
}

// RegionFromARN extracts the region from an ARN string. It returns "" for a
// malformed ARN or a global resource.
func RegionFromARN(s string) string {
	a, err := ParseARN(s)
	if err != nil {
		return ""
	}
	return a.Region
}
