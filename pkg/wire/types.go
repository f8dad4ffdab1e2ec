package wire

import (
	"encoding/json"

	"github.com/dashlink/dashlink/pkg/codec"
)

// RPCMessage is the envelope carried in the data field of a framed MESSAGE.
type RPCMessage struct {
	ID         string          `json:"id"`
	MethodName string          `json:"methodName"`
	Data       json.RawMessage `json:"data"`
	Kind       string          `json:"kind"`
}

// AccessControl scopes who may see and run a route. Level is one of
// "entire-organization" or "organization" with explicit teams.
type AccessControl struct {
	Level string   `json:"level,omitempty"`
	Teams []string `json:"teams,omitempty"`
}

// ActionDef is one flattened action entry in INITIALIZE_HOST.
type ActionDef struct {
	GroupSlug      string         `json:"groupSlug,omitempty"`
	Slug           string         `json:"slug"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	Backgroundable bool           `json:"backgroundable,omitempty"`
	Unlisted       bool           `json:"unlisted,omitempty"`
	Access         *AccessControl `json:"access,omitempty"`
}

// GroupDef is one flattened page entry in INITIALIZE_HOST.
type GroupDef struct {
	Slug        string         `json:"slug"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Unlisted    bool           `json:"unlisted,omitempty"`
	HasHandler  bool           `json:"hasHandler,omitempty"`
	Access      *AccessControl `json:"access,omitempty"`
}

// InitializeHostInputs announces the host's route catalogue.
type InitializeHostInputs struct {
	APIKey     string      `json:"apiKey"`
	SDKName    string      `json:"sdkName"`
	SDKVersion string      `json:"sdkVersion"`
	Actions    []ActionDef `json:"actions"`
	Groups     []GroupDef  `json:"groups"`
}

// Organization identifies the dashboard organization the API key belongs to.
type Organization struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// SDKAlert is a server-originated advisory about the client library version.
type SDKAlert struct {
	MinSDKVersion string `json:"minSdkVersion"`
	Severity      string `json:"severity"`
	Message       string `json:"message,omitempty"`
}

// InitializeHostReturns is a discriminated union on Type: "success" carries
// the environment fields, "error" carries Message.
type InitializeHostReturns struct {
	Type         string        `json:"type"`
	Environment  string        `json:"environment,omitempty"`
	InvalidSlugs []string      `json:"invalidSlugs,omitempty"`
	Organization *Organization `json:"organization,omitempty"`
	DashboardURL string        `json:"dashboardUrl,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	SDKAlert     *SDKAlert     `json:"sdkAlert,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// ContinueButtonConfig controls the dashboard's submit affordance for one
// render batch. Theme is one of "primary", "secondary", "danger".
type ContinueButtonConfig struct {
	Label string `json:"label,omitempty"`
	Theme string `json:"theme,omitempty"`
}

// MultipleProps carries the default value for a multiple-able component.
type MultipleProps struct {
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`
}

// ComponentRenderInfo is one component's share of a render batch.
type ComponentRenderInfo struct {
	MethodName             string          `json:"methodName"`
	Label                  string          `json:"label"`
	Props                  json.RawMessage `json:"props,omitempty"`
	PropsMeta              *codec.Meta     `json:"propsMeta,omitempty"`
	IsStateful             bool            `json:"isStateful,omitempty"`
	IsOptional             bool            `json:"isOptional,omitempty"`
	IsMultiple             bool            `json:"isMultiple,omitempty"`
	MultipleProps          *MultipleProps  `json:"multipleProps,omitempty"`
	ValidationErrorMessage string          `json:"validationErrorMessage,omitempty"`
}

// RenderInstruction is the serialized body of one SEND_IO_CALL.
type RenderInstruction struct {
	ID                     string                `json:"id"`
	InputGroupKey          string                `json:"inputGroupKey"`
	ToRender               []ComponentRenderInfo `json:"toRender"`
	Kind                   string                `json:"kind"`
	ValidationErrorMessage string                `json:"validationErrorMessage,omitempty"`
	ContinueButton         *ContinueButtonConfig `json:"continueButton,omitempty"`
}

// SendIOCallInputs wraps a serialized RenderInstruction. The dashboard
// returns a bare boolean: false means it refuses the call (e.g. the
// transaction is gone).
type SendIOCallInputs struct {
	TransactionID string `json:"transactionId"`
	IOCall        string `json:"ioCall"`
}

// IOResponseInputs delivers the operator's reply. Value is a JSON string
// parsing to IOResponse.
type IOResponseInputs struct {
	Value         string `json:"value"`
	TransactionID string `json:"transactionId"`
}

// IOResponse is the parsed form of IOResponseInputs.Value.
type IOResponse struct {
	ID            string            `json:"id"`
	InputGroupKey string            `json:"inputGroupKey"`
	TransactionID string            `json:"transactionId"`
	Kind          string            `json:"kind"`
	Values        []json.RawMessage `json:"values"`
	ValuesMeta    *codec.Meta       `json:"valuesMeta,omitempty"`
}

// ActionResult reports a handler's outcome.
type ActionResult struct {
	SchemaVersion int             `json:"schemaVersion"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Meta          *codec.Meta     `json:"meta,omitempty"`
}

// MarkTransactionCompleteInputs finalizes a transaction from the host side.
type MarkTransactionCompleteInputs struct {
	TransactionID string       `json:"transactionId"`
	Result        ActionResult `json:"result"`
}

// ActionInfo identifies the action a transaction invokes.
type ActionInfo struct {
	Slug string `json:"slug"`
	URL  string `json:"url,omitempty"`
}

// UserInfo describes the operator driving a transaction or page.
type UserInfo struct {
	Email     string   `json:"email"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Role      string   `json:"role,omitempty"`
	Teams     []string `json:"teams,omitempty"`
}

// StartTransactionInputs begins one action invocation.
type StartTransactionInputs struct {
	TransactionID string          `json:"transactionId"`
	Action        ActionInfo      `json:"action"`
	User          UserInfo        `json:"user"`
	Params        json.RawMessage `json:"params,omitempty"`
	ParamsMeta    *codec.Meta     `json:"paramsMeta,omitempty"`
	Environment   string          `json:"environment,omitempty"`
}

// PageInfo identifies the page an OPEN_PAGE targets.
type PageInfo struct {
	Slug string `json:"slug"`
}

// OpenPageInputs opens one page session.
type OpenPageInputs struct {
	PageKey     string          `json:"pageKey"`
	Page        PageInfo        `json:"page"`
	User        UserInfo        `json:"user"`
	Params      json.RawMessage `json:"params,omitempty"`
	ParamsMeta  *codec.Meta     `json:"paramsMeta,omitempty"`
	Environment string          `json:"environment,omitempty"`
}

// OpenPageReturns acknowledges (or refuses) an OPEN_PAGE.
type OpenPageReturns struct {
	Type    string `json:"type"`
	PageKey string `json:"pageKey,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClosePageInputs tears down one page session.
type ClosePageInputs struct {
	PageKey string `json:"pageKey"`
}

// PageError records a failure of one layout key ("title", "description",
// "children") without aborting the page.
type PageError struct {
	LayoutKey string `json:"layoutKey"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// MenuItem is one entry of a page's menu.
type MenuItem struct {
	Label string `json:"label"`
	Route string `json:"route,omitempty"`
	URL   string `json:"url,omitempty"`
	Theme string `json:"theme,omitempty"`
}

// BasicLayout is the snapshot shape serialized into SEND_PAGE.
type BasicLayout struct {
	Kind        string          `json:"kind"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Children    json.RawMessage `json:"children,omitempty"`
	MenuItems   []MenuItem      `json:"menuItems,omitempty"`
	Errors      []PageError     `json:"errors"`
}

// SendPageInputs carries a serialized BasicLayout. Returns a bare boolean.
type SendPageInputs struct {
	PageKey string `json:"pageKey"`
	Page    string `json:"page"`
}

// SendLoadingCallInputs is one loading-state snapshot. Returns a bare boolean.
type SendLoadingCallInputs struct {
	TransactionID  string `json:"transactionId"`
	Label          string `json:"label,omitempty"`
	Description    string `json:"description,omitempty"`
	ItemsInQueue   *int   `json:"itemsInQueue,omitempty"`
	ItemsCompleted *int   `json:"itemsCompleted,omitempty"`
}

// SendLogInputs appends one log line to a transaction. Returns a bare boolean.
type SendLogInputs struct {
	TransactionID string `json:"transactionId"`
	Data          string `json:"data"`
	Index         *int   `json:"index,omitempty"`
	Timestamp     *int64 `json:"timestamp,omitempty"`
}

// SendRedirectInputs asks the dashboard to navigate the operator. Either URL
// or Route (+Params) is set. Returns a bare boolean.
type SendRedirectInputs struct {
	TransactionID string          `json:"transactionId"`
	URL           string          `json:"url,omitempty"`
	Route         string          `json:"route,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// ConfirmIdentityInputs asks the dashboard to re-verify the acting operator
// before a sensitive step. GracePeriodMs accepts a sufficiently recent
// confirmation instead of prompting again.
type ConfirmIdentityInputs struct {
	TransactionID string `json:"transactionId"`
	GracePeriodMs *int   `json:"gracePeriodMs,omitempty"`
}

// ConfirmIdentityReturns is a discriminated union on Type
// ("success" | "failure" | "error").
type ConfirmIdentityReturns struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// NotifyInputs delivers a notification to operators.
type NotifyInputs struct {
	TransactionID        string                `json:"transactionId,omitempty"`
	Title                string                `json:"title,omitempty"`
	Message              string                `json:"message"`
	DeliveryInstructions []DeliveryInstruction `json:"deliveryInstructions,omitempty"`
	CreatedAt            string                `json:"createdAt"`
	IdempotencyKey       string                `json:"idempotencyKey,omitempty"`
}

// DeliveryInstruction routes a notification to one destination.
type DeliveryInstruction struct {
	To     string `json:"to"`
	Method string `json:"method,omitempty"`
}

// NotifyReturns is a discriminated union on Type ("success" | "error").
type NotifyReturns struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// EnqueueActionInputs queues an action for later execution.
type EnqueueActionInputs struct {
	Slug          string          `json:"slug"`
	AssigneeEmail string          `json:"assignee,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	ParamsMeta    *codec.Meta     `json:"paramsMeta,omitempty"`
}

// EnqueueActionReturns is a discriminated union on Type ("success" | "error").
type EnqueueActionReturns struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// DequeueActionInputs claims a previously queued action by id.
type DequeueActionInputs struct {
	ID string `json:"id"`
}

// DequeueActionReturns is a discriminated union on Type ("success" | "error").
type DequeueActionReturns struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	AssigneeEmail string          `json:"assignee,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	ParamsMeta    *codec.Meta     `json:"paramsMeta,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ConnectToTransactionAsClientInputs attaches this connection as a client
// observer of an existing transaction. Returns a bare boolean.
type ConnectToTransactionAsClientInputs struct {
	TransactionID string `json:"transactionId"`
	InstanceID    string `json:"instanceId"`
}

// RespondToIOCallInputs sends an IO response on behalf of a client observer.
// Returns a bare boolean.
type RespondToIOCallInputs struct {
	TransactionID string `json:"transactionId"`
	IOResponse    string `json:"ioResponse"`
}
