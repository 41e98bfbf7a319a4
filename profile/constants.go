package profile

// BLE chat service and characteristic UUIDs.
// These are the stable identifiers both roles agree on.
const (
	ServiceUUID = "1706BBC0-88AB-4B8D-877E-2237916EE929"

	MessageUUID     = "275348FB-C14D-4FD5-B434-7C3F351DEA5F" // UTF-8 chat text and /commands
	VersionUUID     = "BD28E457-4026-4270-A99F-F9BC20182E15" // protocol version, read-only
	DescriptionUUID = "FDD00F2A-DAA3-47F5-8715-9DE659E5EB7B" // human readable service description
	HandoffUUID     = "34DF5318-94DE-4C1D-AF31-31616C7FD9DD" // secondary link address
	BulkUUID        = "482F1096-137B-46CC-8CA8-3457C15CC433" // raw bulk data chunks
)

const (
	DefaultVersion     = "1"
	DefaultDescription = "bluelink chat service"
)
