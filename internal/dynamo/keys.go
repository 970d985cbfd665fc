// Package dynamo provides shared DynamoDB constants for the single-table layout.
package dynamo

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// Partition key prefixes.
	PrefixOwner    = "OWNER#"
	PrefixEmployee = "EMPLOYEE#"
	PrefixContact  = "CONTACT#"

	// Sort key prefixes.
	PrefixMessage = "MSG#"
	PrefixMsgID   = "MSGID#"
	PrefixThread  = "THREAD#"
	SKProfile     = "PROFILE"

	// Index attributes and names.
	AttrLSI1SK = "lsi1sk"
	IndexLSI1  = "lsi1"
)
