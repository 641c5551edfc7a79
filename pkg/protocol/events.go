package protocol

// Event names pushed by the backend over the pairing channel.
//
// Naming has drifted across backend releases: older builds say "qr", newer
// ones "pairing.code" or "qr.updated", and the linked notification has been
// renamed twice. The channel manager keys on payload shape first and only
// falls back to these names, so the full historical set is kept here.
const (
	EventPairingCode = "pairing.code"
	EventQR          = "qr"
	EventQRUpdated   = "qr.updated"

	EventDeviceLinked   = "device.linked"
	EventPairingLinked  = "pairing.linked"
	EventPairingSuccess = "pairing.success"

	EventPairingFailed = "pairing.failed"
	EventError         = "error"
)
