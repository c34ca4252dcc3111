// Package diameter models the slice of a Diameter stack the adaptor talks to:
// messages and their AVPs, application sessions, the peer table and the
// multiplexer the adaptor registers with. Framing, peer connections and AVP
// encoding belong to the stack and are not implemented here.
package diameter

// Command codes.
const (
	CommandAccounting           uint32 = 271
	CommandCapabilitiesExchange uint32 = 257
	CommandDeviceWatchdog       uint32 = 280
)

// Application ids.
const (
	VendorNone        uint32 = 0
	VendorThreeGPP    uint32 = 10415
	AppBaseAccounting uint32 = 3
)

// AVP codes used by the accounting application.
const (
	AVPAcctApplicationID           uint32 = 259
	AVPVendorSpecificApplicationID uint32 = 260
	AVPSessionID                   uint32 = 263
	AVPOriginHost                  uint32 = 264
	AVPVendorID                    uint32 = 266
	AVPResultCode                  uint32 = 268
	AVPDestinationRealm            uint32 = 283
	AVPDestinationHost             uint32 = 293
	AVPOriginRealm                 uint32 = 296
	AVPAccountingRecordType        uint32 = 480
	AVPAccountingRecordNumber      uint32 = 485
)

// Result codes.
const (
	ResultSuccess          uint32 = 2001
	ResultUnableToDeliver  uint32 = 3002
	ResultUnknownSessionID uint32 = 5002
	ResultUnableToComply   uint32 = 5012
)

// Accounting-Record-Type values.
const (
	RecordEvent   uint32 = 1
	RecordStart   uint32 = 2
	RecordInterim uint32 = 3
	RecordStop    uint32 = 4
)
