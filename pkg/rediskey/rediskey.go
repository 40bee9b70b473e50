package rediskey

import (
	"fmt"
	"strings"
)

// Commission keys (global convention across services)
const (
	AggregatePrefix = "commission:agg"
	StaffRolePrefix = "staff:role"
	SequencePrefix  = "seq"
)

func NamespaceKey(namespace string, parts ...string) string {
	if len(parts) == 0 {
		return namespace
	}
	return fmt.Sprintf("%s:%s", namespace, strings.Join(parts, ":"))
}

// BuildAggregateKey returns "commission:agg:{venueID}:{staffID}:{tierPeriod}:{bucket}"
func BuildAggregateKey(venueID, staffID, tierPeriod, bucket string) string {
	return NamespaceKey(AggregatePrefix, venueID, staffID, tierPeriod, bucket)
}

// BuildStaffRoleKey returns "staff:role:{venueID}"
func BuildStaffRoleKey(venueID string) string {
	return NamespaceKey(StaffRolePrefix, venueID)
}

// BuildSequenceKey returns "seq:{prefix}:{scope}:{day}"
func BuildSequenceKey(prefix, scope, day string) string {
	return NamespaceKey(SequencePrefix, prefix, scope, day)
}
