package common

var (
	Version = "vdisk v1.0"
)
