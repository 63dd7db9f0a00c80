package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const filtererABIJSON = `[
	{
		"inputs": [
			{
				"components": [
					{"name": "user", "type": "address"},
					{"name": "collateral", "type": "address"},
					{"name": "debt", "type": "address"},
					{"name": "amount", "type": "uint256"},
					{"name": "receiveUnderlying", "type": "bool"}
				],
				"name": "liquidations",
				"type": "tuple[]"
			}
		],
		"name": "liquidateMany",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "index", "type": "uint256"},
			{"indexed": true, "name": "user", "type": "address"},
			{"indexed": false, "name": "collateral", "type": "address"},
			{"indexed": false, "name": "collateralReceived", "type": "uint256"},
			{"indexed": false, "name": "debt", "type": "address"},
			{"indexed": false, "name": "debtRepaid", "type": "uint256"}
		],
		"name": "Liquidated",
		"type": "event"
	}
]`

const erc20ABIJSON = `[
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Uniswap V2 style router.
const routerABIJSON = `[
	{
		"inputs": [
			{"name": "amountIn", "type": "uint256"},
			{"name": "path", "type": "address[]"}
		],
		"name": "getAmountsOut",
		"outputs": [{"name": "amounts", "type": "uint256[]"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "amountIn", "type": "uint256"},
			{"name": "amountOutMin", "type": "uint256"},
			{"name": "path", "type": "address[]"},
			{"name": "to", "type": "address"},
			{"name": "deadline", "type": "uint256"}
		],
		"name": "swapExactTokensForTokens",
		"outputs": [{"name": "amounts", "type": "uint256[]"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// liquidationParams mirrors one element of the liquidateMany tuple array.
type liquidationParams struct {
	User              common.Address
	Collateral        common.Address
	Debt              common.Address
	Amount            *big.Int
	ReceiveUnderlying bool
}

type contractABIs struct {
	filterer abi.ABI
	erc20    abi.ABI
	router   abi.ABI
}

func loadABIs() (*contractABIs, error) {
	var out contractABIs
	for _, def := range []struct {
		name string
		json string
		dst  *abi.ABI
	}{
		{"filterer", filtererABIJSON, &out.filterer},
		{"erc20", erc20ABIJSON, &out.erc20},
		{"router", routerABIJSON, &out.router},
	} {
		parsed, err := abi.JSON(strings.NewReader(def.json))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s ABI: %w", def.name, err)
		}
		*def.dst = parsed
	}
	return &out, nil
}
