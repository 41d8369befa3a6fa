package main

import (
	"log"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/medrex/healthchain/chaincode/health-records/healthrecords"
	"github.com/medrex/healthchain/internal/contract"
)

func main() {
	healthRecordsChaincode, err := contractapi.NewChaincode(healthrecords.NewSmartContract(contract.DefaultConfig()))
	if err != nil {
		log.Panicf("Error creating HealthRecords chaincode: %v", err)
	}

	if err := healthRecordsChaincode.Start(); err != nil {
		log.Panicf("Error starting HealthRecords chaincode: %v", err)
	}
}
