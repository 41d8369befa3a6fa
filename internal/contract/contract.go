// Package contract implements the ledger-side state machine for records,
// access grants and the audit log. Every function is deterministic: "now" is
// the transaction timestamp and all state flows through the Stub, so any
// ledger node replaying a transaction reaches the same result.
package contract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/medrex/healthchain/pkg/types"
)

// Function names accepted by Invoke.
const (
	FnInitLedger            = "InitLedger"
	FnRegisterRecord        = "RegisterRecord"
	FnUpdateRecord          = "UpdateRecord"
	FnSetRecordStatus       = "SetRecordStatus"
	FnGetRecord             = "GetRecord"
	FnListRecords           = "ListRecords"
	FnRecordHistory         = "RecordHistory"
	FnRequestAccess         = "RequestAccess"
	FnDecideAccess          = "DecideAccess"
	FnRevokeAccess          = "RevokeAccess"
	FnCheckAccess           = "CheckAccess"
	FnGetGrant              = "GetGrant"
	FnGrantHistory          = "GrantHistory"
	FnListGrantsForPatient  = "ListGrantsForPatient"
	FnListGrantsForProvider = "ListGrantsForProvider"
	FnLogRecordRead         = "LogRecordRead"
	FnAppendAudit           = "AppendAudit"
	FnQueryAudit            = "QueryAudit"
	FnQueryAuditByActor     = "QueryAuditByActor"
)

// Config holds the bounds the ledger enforces regardless of client policy.
type Config struct {
	MaxDurationSeconds int64 `json:"max_duration_seconds"`
	MaxMetadataBytes   int   `json:"max_metadata_bytes"`
	MaxPageSize        int   `json:"max_page_size"`
}

// DefaultConfig applies until InitLedger stores another one.
func DefaultConfig() Config {
	return Config{
		MaxDurationSeconds: 30 * 24 * 60 * 60,
		MaxMetadataBytes:   4096,
		MaxPageSize:        500,
	}
}

type handler struct {
	query bool
	fn    func(c *Contract, tx *txContext, args []string) ([]byte, error)
}

var handlers = map[string]handler{
	FnInitLedger:            {false, (*Contract).initLedger},
	FnRegisterRecord:        {false, (*Contract).registerRecord},
	FnUpdateRecord:          {false, (*Contract).updateRecord},
	FnSetRecordStatus:       {false, (*Contract).setRecordStatus},
	FnGetRecord:             {true, (*Contract).getRecord},
	FnListRecords:           {true, (*Contract).listRecords},
	FnRecordHistory:         {true, (*Contract).recordHistory},
	FnRequestAccess:         {false, (*Contract).requestAccess},
	FnDecideAccess:          {false, (*Contract).decideAccess},
	FnRevokeAccess:          {false, (*Contract).revokeAccess},
	FnCheckAccess:           {true, (*Contract).checkAccess},
	FnGetGrant:              {true, (*Contract).getGrant},
	FnGrantHistory:          {true, (*Contract).grantHistory},
	FnListGrantsForPatient:  {true, (*Contract).listGrantsForPatient},
	FnListGrantsForProvider: {true, (*Contract).listGrantsForProvider},
	FnLogRecordRead:         {false, (*Contract).logRecordRead},
	FnAppendAudit:           {false, (*Contract).appendAudit},
	FnQueryAudit:            {true, (*Contract).queryAudit},
	FnQueryAuditByActor:     {true, (*Contract).queryAuditByActor},
}

// Functions lists every function name in sorted order.
func Functions() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsQuery reports whether fn only reads state.
func IsQuery(fn string) bool {
	h, ok := handlers[fn]
	return ok && h.query
}

// Contract dispatches transactions to the record, grant and audit functions.
type Contract struct {
	defaults Config
}

// New creates a contract using cfg until InitLedger stores a configuration.
func New(cfg Config) *Contract {
	return &Contract{defaults: cfg}
}

// txContext carries what every function needs about the running transaction.
type txContext struct {
	stub   Stub
	caller types.PrincipalID
	txID   string
	now    time.Time
}

// Invoke runs fn for caller against stub. Errors are *types.HealthError so
// they survive the trip through the ledger as "CODE: message" strings.
func (c *Contract) Invoke(stub Stub, caller types.PrincipalID, fn string, args []string) ([]byte, error) {
	h, ok := handlers[fn]
	if !ok {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown function %q", fn), nil)
	}
	if !caller.Valid() {
		return nil, types.NewUnauthenticatedError("caller identity is not a valid principal")
	}

	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to read transaction timestamp", err)
	}

	tx := &txContext{
		stub:   stub,
		caller: caller,
		txID:   stub.GetTxID(),
		now:    ts.UTC(),
	}
	return h.fn(c, tx, args)
}

func (c *Contract) initLedger(tx *txContext, args []string) ([]byte, error) {
	if err := expectArgs(args, 2); err != nil {
		return nil, err
	}
	existing, err := tx.stub.GetState(keyConfig)
	if err != nil {
		return nil, stateError(err)
	}
	if existing != nil {
		return nil, types.NewConflictError("ledger is already initialized")
	}

	cfg := c.defaults
	if cfg.MaxDurationSeconds, err = parsePositive(args[0], "max_duration_seconds"); err != nil {
		return nil, err
	}
	maxMeta, err := parsePositive(args[1], "max_metadata_bytes")
	if err != nil {
		return nil, err
	}
	cfg.MaxMetadataBytes = int(maxMeta)

	if err := putJSON(tx.stub, keyConfig, cfg); err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

func (c *Contract) config(stub Stub) (Config, error) {
	cfg := c.defaults
	found, err := getJSON(stub, keyConfig, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !found {
		cfg = c.defaults
	}
	return cfg, nil
}

func expectArgs(args []string, n int) error {
	if len(args) != n {
		return types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("expected %d arguments, got %d", n, len(args)), nil)
	}
	return nil
}

func parsePrincipalArg(raw, field string) (types.PrincipalID, error) {
	p, err := types.ParsePrincipal(raw)
	if err != nil {
		return "", types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("invalid %s address", field), map[string]interface{}{
			field: raw,
		})
	}
	return p, nil
}

func parsePositive(raw, field string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("%s must be a positive integer", field), map[string]interface{}{
			field: raw,
		})
	}
	return v, nil
}

func stateError(err error) error {
	return types.NewInternalError(types.ErrCodeInternalError, "world state access failed", err)
}

func getJSON(stub Stub, key string, v interface{}) (bool, error) {
	data, err := stub.GetState(key)
	if err != nil {
		return false, stateError(err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, types.NewInternalError(types.ErrCodeInternalError, "corrupt world state entry "+key, err)
	}
	return true, nil
}

func putJSON(stub Stub, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to encode world state entry", err)
	}
	if err := stub.PutState(key, data); err != nil {
		return stateError(err)
	}
	return nil
}

// scan returns the raw values under prefix in key order.
func scan(stub Stub, prefix string) ([]KV, error) {
	it, err := stub.GetStateByRange(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, stateError(err)
	}
	defer it.Close()

	var out []KV
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return nil, stateError(err)
		}
		out = append(out, *kv)
	}
	return out, nil
}
