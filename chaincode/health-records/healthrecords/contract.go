package healthrecords

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/medrex/healthchain/internal/contract"
	"github.com/medrex/healthchain/pkg/types"
)

// AddressAttribute is the enrollment certificate attribute carrying the
// caller's principal address.
const AddressAttribute = "hc.address"

// SmartContract exposes the health records state machine as Fabric
// transactions. Every method returns the JSON payload produced by the engine.
type SmartContract struct {
	contractapi.Contract
	engine *contract.Contract
}

// NewSmartContract creates the chaincode with cfg as the default bounds
func NewSmartContract(cfg contract.Config) *SmartContract {
	return &SmartContract{
		Contract: contractapi.Contract{Name: "healthrecords"},
		engine:   contract.New(cfg),
	}
}

// InitLedger stores the ledger-enforced bounds
func (s *SmartContract) InitLedger(ctx contractapi.TransactionContextInterface, maxDurationSeconds, maxMetadataBytes string) (string, error) {
	return s.invoke(ctx, contract.FnInitLedger, maxDurationSeconds, maxMetadataBytes)
}

// RegisterRecord anchors a new encrypted record owned by the caller
func (s *SmartContract) RegisterRecord(ctx contractapi.TransactionContextInterface, recordID, contentRef, recordType, metadata string) (string, error) {
	return s.invoke(ctx, contract.FnRegisterRecord, recordID, contentRef, recordType, metadata)
}

// UpdateRecord points a record at new content
func (s *SmartContract) UpdateRecord(ctx contractapi.TransactionContextInterface, owner, recordID, contentRef, metadata string) (string, error) {
	return s.invoke(ctx, contract.FnUpdateRecord, owner, recordID, contentRef, metadata)
}

// SetRecordStatus archives or logically deletes a record
func (s *SmartContract) SetRecordStatus(ctx contractapi.TransactionContextInterface, owner, recordID, status string) (string, error) {
	return s.invoke(ctx, contract.FnSetRecordStatus, owner, recordID, status)
}

// GetRecord returns a record descriptor to its owner
func (s *SmartContract) GetRecord(ctx contractapi.TransactionContextInterface, owner, recordID string) (string, error) {
	return s.invoke(ctx, contract.FnGetRecord, owner, recordID)
}

// ListRecords lists an owner's records, newest first
func (s *SmartContract) ListRecords(ctx contractapi.TransactionContextInterface, owner, includeDeleted string) (string, error) {
	return s.invoke(ctx, contract.FnListRecords, owner, includeDeleted)
}

// RecordHistory returns the version chain of a record
func (s *SmartContract) RecordHistory(ctx contractapi.TransactionContextInterface, owner, recordID string) (string, error) {
	return s.invoke(ctx, contract.FnRecordHistory, owner, recordID)
}

// RequestAccess opens a Pending grant from the caller to patient
func (s *SmartContract) RequestAccess(ctx contractapi.TransactionContextInterface, patient, durationSeconds, purpose string) (string, error) {
	return s.invoke(ctx, contract.FnRequestAccess, patient, durationSeconds, purpose)
}

// DecideAccess approves or rejects a Pending grant
func (s *SmartContract) DecideAccess(ctx contractapi.TransactionContextInterface, patient, provider, approve string) (string, error) {
	return s.invoke(ctx, contract.FnDecideAccess, patient, provider, approve)
}

// RevokeAccess ends an Approved grant
func (s *SmartContract) RevokeAccess(ctx contractapi.TransactionContextInterface, patient, provider string) (string, error) {
	return s.invoke(ctx, contract.FnRevokeAccess, patient, provider)
}

// CheckAccess reports whether provider may read patient's records. atNanos
// may be empty to evaluate at the transaction timestamp.
func (s *SmartContract) CheckAccess(ctx contractapi.TransactionContextInterface, patient, provider, atNanos string) (string, error) {
	return s.invoke(ctx, contract.FnCheckAccess, patient, provider, atNanos)
}

// GetGrant returns the latest grant for the pair
func (s *SmartContract) GetGrant(ctx contractapi.TransactionContextInterface, patient, provider string) (string, error) {
	return s.invoke(ctx, contract.FnGetGrant, patient, provider)
}

// GrantHistory returns every grant instance for the pair
func (s *SmartContract) GrantHistory(ctx contractapi.TransactionContextInterface, patient, provider string) (string, error) {
	return s.invoke(ctx, contract.FnGrantHistory, patient, provider)
}

// ListGrantsForPatient lists grants the caller has received
func (s *SmartContract) ListGrantsForPatient(ctx contractapi.TransactionContextInterface) (string, error) {
	return s.invoke(ctx, contract.FnListGrantsForPatient)
}

// ListGrantsForProvider lists grants the caller has requested
func (s *SmartContract) ListGrantsForProvider(ctx contractapi.TransactionContextInterface) (string, error) {
	return s.invoke(ctx, contract.FnListGrantsForProvider)
}

// LogRecordRead audits a provider dereference and returns the descriptor
func (s *SmartContract) LogRecordRead(ctx contractapi.TransactionContextInterface, patient, recordID string) (string, error) {
	return s.invoke(ctx, contract.FnLogRecordRead, patient, recordID)
}

// AppendAudit appends a ReadRecord entry
func (s *SmartContract) AppendAudit(ctx contractapi.TransactionContextInterface, action, subject, target string) (string, error) {
	return s.invoke(ctx, contract.FnAppendAudit, action, subject, target)
}

// QueryAudit pages through the caller's audit trail as subject
func (s *SmartContract) QueryAudit(ctx contractapi.TransactionContextInterface, subject, from, to, pageSize, bookmark string) (string, error) {
	return s.invoke(ctx, contract.FnQueryAudit, subject, from, to, pageSize, bookmark)
}

// QueryAuditByActor pages through entries the caller performed
func (s *SmartContract) QueryAuditByActor(ctx contractapi.TransactionContextInterface, actor, from, to, pageSize, bookmark string) (string, error) {
	return s.invoke(ctx, contract.FnQueryAuditByActor, actor, from, to, pageSize, bookmark)
}

func (s *SmartContract) invoke(ctx contractapi.TransactionContextInterface, fn string, args ...string) (string, error) {
	caller, err := callerAddress(ctx)
	if err != nil {
		return "", err
	}
	engine := s.engine
	if engine == nil {
		engine = contract.New(contract.DefaultConfig())
	}
	out, err := engine.Invoke(&fabricStub{stub: ctx.GetStub()}, caller, fn, args)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// callerAddress reads the hc.address attribute. Identities enrolled without
// it get an address derived from their certificate identity.
func callerAddress(ctx contractapi.TransactionContextInterface) (types.PrincipalID, error) {
	identity := ctx.GetClientIdentity()
	if identity == nil {
		return "", types.NewUnauthenticatedError("no client identity")
	}

	if value, found, err := identity.GetAttributeValue(AddressAttribute); err == nil && found {
		principal, err := types.ParsePrincipal(value)
		if err != nil {
			return "", types.NewUnauthenticatedError(fmt.Sprintf("certificate attribute %s is not a valid address", AddressAttribute))
		}
		return principal, nil
	}

	id, err := identity.GetID()
	if err != nil {
		return "", types.NewUnauthenticatedError("failed to read client identity")
	}
	sum := sha256.Sum256([]byte(id))
	return types.PrincipalID("0x" + hex.EncodeToString(sum[:20])), nil
}

// fabricStub adapts the chaincode stub to the engine's Stub.
type fabricStub struct {
	stub shim.ChaincodeStubInterface
}

func (f *fabricStub) GetState(key string) ([]byte, error) {
	return f.stub.GetState(key)
}

func (f *fabricStub) PutState(key string, value []byte) error {
	return f.stub.PutState(key, value)
}

func (f *fabricStub) GetStateByRange(startKey, endKey string) (contract.Iterator, error) {
	it, err := f.stub.GetStateByRange(startKey, endKey)
	if err != nil {
		return nil, err
	}
	return &fabricIterator{it: it}, nil
}

func (f *fabricStub) GetTxID() string {
	return f.stub.GetTxID()
}

func (f *fabricStub) GetTxTimestamp() (time.Time, error) {
	ts, err := f.stub.GetTxTimestamp()
	if err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

type fabricIterator struct {
	it shim.StateQueryIteratorInterface
}

func (f *fabricIterator) HasNext() bool {
	return f.it.HasNext()
}

func (f *fabricIterator) Next() (*contract.KV, error) {
	kv, err := f.it.Next()
	if err != nil {
		return nil, err
	}
	return &contract.KV{Key: kv.Key, Value: kv.Value}, nil
}

func (f *fabricIterator) Close() error {
	return f.it.Close()
}
