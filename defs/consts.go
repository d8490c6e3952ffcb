package defs

// Common labels for logging
const (
	LabelComponent = "component"
	LabelName      = "name"
	LabelPart      = "part"

	LabelAddress = "address"
	LabelClient  = "client"
	LabelLocal   = "local"
	LabelRemote  = "remote"
)
