// Package wire defines the duplex-RPC vocabulary shared with the dashboard:
// method names in both directions, the camelCase payload types they carry,
// and the JSON schemas inbound calls are validated against.
package wire

// Methods the host may invoke on the dashboard.
const (
	MethodInitializeHost               = "INITIALIZE_HOST"
	MethodSendIOCall                   = "SEND_IO_CALL"
	MethodSendLoadingCall              = "SEND_LOADING_CALL"
	MethodSendLog                      = "SEND_LOG"
	MethodSendRedirect                 = "SEND_REDIRECT"
	MethodSendPage                     = "SEND_PAGE"
	MethodMarkTransactionComplete      = "MARK_TRANSACTION_COMPLETE"
	MethodConfirmIdentity              = "CONFIRM_IDENTITY"
	MethodNotify                       = "NOTIFY"
	MethodEnqueueAction                = "ENQUEUE_ACTION"
	MethodDequeueAction                = "DEQUEUE_ACTION"
	MethodConnectToTransactionAsClient = "CONNECT_TO_TRANSACTION_AS_CLIENT"
	MethodRespondToIOCall              = "RESPOND_TO_IO_CALL"
)

// Methods the dashboard invokes on the host.
const (
	MethodStartTransaction = "START_TRANSACTION"
	MethodIOResponse       = "IO_RESPONSE"
	MethodOpenPage         = "OPEN_PAGE"
	MethodClosePage        = "CLOSE_PAGE"
)

// RPC envelope kinds.
const (
	RPCKindCall     = "CALL"
	RPCKindResponse = "RESPONSE"
)

// Render/response kinds exchanged inside SEND_IO_CALL / IO_RESPONSE payloads.
const (
	IOKindRender   = "RENDER"
	IOKindReturn   = "RETURN"
	IOKindSetState = "SET_STATE"
	IOKindCanceled = "CANCELED"
)

// ActionResult statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// SDK alert severities.
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)
