package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const facetCutComponents = `[
	{"internalType": "address",  "name": "facetAddress",      "type": "address"},
	{"internalType": "uint8",    "name": "action",            "type": "uint8"},
	{"internalType": "bytes4[]", "name": "functionSelectors", "type": "bytes4[]"}
]`

const factoryABIJSON = `[
	{
		"inputs": [
			{"internalType": "string",  "name": "symbol",     "type": "string"},
			{"internalType": "string",  "name": "metricUrl",  "type": "string"},
			{"internalType": "uint256", "name": "startPrice", "type": "uint256"},
			{"internalType": "address", "name": "creator",    "type": "address"},
			{"components": ` + facetCutComponents + `, "internalType": "struct IDiamond.FacetCut[]", "name": "cuts", "type": "tuple[]"},
			{"internalType": "address", "name": "initializer",  "type": "address"},
			{"internalType": "bytes",   "name": "initCalldata", "type": "bytes"}
		],
		"name": "createMarket",
		"outputs": [
			{"internalType": "address", "name": "market",   "type": "address"},
			{"internalType": "bytes32", "name": "marketId", "type": "bytes32"}
		],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "creator", "type": "address"}],
		"name": "metaNonces",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true,  "internalType": "address", "name": "market",   "type": "address"},
			{"indexed": true,  "internalType": "bytes32", "name": "marketId", "type": "bytes32"},
			{"indexed": false, "internalType": "string",  "name": "symbol",   "type": "string"},
			{"indexed": true,  "internalType": "address", "name": "creator",  "type": "address"}
		],
		"name": "MarketCreated",
		"type": "event"
	}
]`

const diamondABIJSON = `[
	{
		"inputs": [{"internalType": "bytes4", "name": "functionSelector", "type": "bytes4"}],
		"name": "facetAddress",
		"outputs": [{"internalType": "address", "name": "facetAddress_", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"components": ` + facetCutComponents + `, "internalType": "struct IDiamond.FacetCut[]", "name": "_diamondCut", "type": "tuple[]"},
			{"internalType": "address", "name": "_init",     "type": "address"},
			{"internalType": "bytes",   "name": "_calldata", "type": "bytes"}
		],
		"name": "diamondCut",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "sessionRegistry",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "registry", "type": "address"}],
		"name": "setSessionRegistry",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const accessControlABIJSON = `[
	{
		"inputs": [
			{"internalType": "bytes32", "name": "role",    "type": "bytes32"},
			{"internalType": "address", "name": "account", "type": "address"}
		],
		"name": "hasRole",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "bytes32", "name": "role",    "type": "bytes32"},
			{"internalType": "address", "name": "account", "type": "address"}
		],
		"name": "grantRole",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const bondManagerABIJSON = `[
	{
		"inputs": [],
		"name": "defaultBondAmount",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "creationPenaltyBps",
		"outputs": [{"internalType": "uint16", "name": "", "type": "uint16"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const initializerABIJSON = `[
	{
		"inputs": [
			{"internalType": "string",  "name": "symbol",     "type": "string"},
			{"internalType": "string",  "name": "metricUrl",  "type": "string"},
			{"internalType": "uint256", "name": "startPrice", "type": "uint256"}
		],
		"name": "initialize",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	factoryABI       = mustParseABI(factoryABIJSON)
	diamondABI       = mustParseABI(diamondABIJSON)
	accessControlABI = mustParseABI(accessControlABIJSON)
	bondManagerABI   = mustParseABI(bondManagerABIJSON)
	initializerABI   = mustParseABI(initializerABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("evm: parse abi: " + err.Error())
	}
	return parsed
}
