package contract

import (
	"fmt"

	"github.com/medrex/healthchain/pkg/types"
)

const (
	keyConfig   = "cfg"
	keyAuditSeq = "auditseq"
)

func recordKey(owner types.PrincipalID, recordID string) string {
	return recordPrefix(owner) + recordID
}

func recordPrefix(owner types.PrincipalID) string {
	return "rec:" + string(owner) + ":"
}

func versionKey(owner types.PrincipalID, recordID string, version int) string {
	return fmt.Sprintf("%s%08d", versionPrefix(owner, recordID), version)
}

func versionPrefix(owner types.PrincipalID, recordID string) string {
	return "ver:" + string(owner) + ":" + recordID + ":"
}

func grantKey(patient, provider types.PrincipalID, seq int) string {
	return fmt.Sprintf("%s%08d", grantPrefix(patient, provider), seq)
}

func grantPrefix(patient, provider types.PrincipalID) string {
	return "grant:" + string(patient) + ":" + string(provider) + ":"
}

// grantHeadKey holds the sequence of the latest grant for the pair.
func grantHeadKey(patient, provider types.PrincipalID) string {
	return grantHeadPrefix(patient) + string(provider)
}

func grantHeadPrefix(patient types.PrincipalID) string {
	return "ghead:" + string(patient) + ":"
}

func providerIndexKey(provider, patient types.PrincipalID) string {
	return providerIndexPrefix(provider) + string(patient)
}

func providerIndexPrefix(provider types.PrincipalID) string {
	return "gprov:" + string(provider) + ":"
}

func auditKey(seq uint64) string {
	return fmt.Sprintf("audit:%020d", seq)
}

func auditSubjectPrefix(subject types.PrincipalID) string {
	return "asubj:" + string(subject) + ":"
}

func auditActorPrefix(actor types.PrincipalID) string {
	return "aactor:" + string(actor) + ":"
}

// auditIndexKey orders entries by timestamp, then by insertion sequence.
func auditIndexKey(prefix string, tsNanos int64, seq uint64) string {
	return fmt.Sprintf("%s%020d:%020d", prefix, tsNanos, seq)
}

// prefixEnd returns the smallest key greater than every key starting with prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}
