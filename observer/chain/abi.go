package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const connectorABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "originSenderAddress", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "destinationChainId", "type": "uint256"},
      {"indexed": false, "internalType": "bytes", "name": "destinationAddress", "type": "bytes"},
      {"indexed": false, "internalType": "uint256", "name": "zetaAmount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "gasLimit", "type": "uint256"},
      {"indexed": false, "internalType": "bytes", "name": "message", "type": "bytes"},
      {"indexed": false, "internalType": "bytes", "name": "zetaParams", "type": "bytes"}
    ],
    "name": "ZetaSent",
    "type": "event"
  },
  {
    "inputs": [
      {
        "components": [
          {"internalType": "uint256", "name": "destinationChainId", "type": "uint256"},
          {"internalType": "bytes", "name": "destinationAddress", "type": "bytes"},
          {"internalType": "uint256", "name": "gasLimit", "type": "uint256"},
          {"internalType": "bytes", "name": "message", "type": "bytes"},
          {"internalType": "uint256", "name": "zetaAmount", "type": "uint256"},
          {"internalType": "bytes", "name": "zetaParams", "type": "bytes"}
        ],
        "internalType": "struct ZetaInterfaces.SendInput",
        "name": "input",
        "type": "tuple"
      }
    ],
    "name": "send",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

const tokenABIJSON = `[
  {
    "inputs": [
      {"internalType": "address", "name": "owner", "type": "address"},
      {"internalType": "address", "name": "spender", "type": "address"}
    ],
    "name": "allowance",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "spender", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "approve",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

var (
	connectorABI = mustParseABI(connectorABIJSON)
	tokenABI     = mustParseABI(tokenABIJSON)

	// zetaSentTopic is topic 0 of the connector's ZetaSent event.
	zetaSentTopic = connectorABI.Events["ZetaSent"].ID
)

// sendInput mirrors the connector's SendInput tuple; field names must match
// the ABI component names in camel case.
type sendInput struct {
	DestinationChainId *big.Int //nolint:revive
	DestinationAddress []byte
	GasLimit           *big.Int
	Message            []byte
	ZetaAmount         *big.Int
	ZetaParams         []byte
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
