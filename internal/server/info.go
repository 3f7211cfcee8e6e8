package server

type Token struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	TotalSupply string `json:"totalSupply"`
	Decimals    int    `json:"decimals"`
}

type Economics struct {
	TotalSupply     string `json:"totalSupply"`
	StakingRewards  string `json:"stakingRewards"`
	ArtistCoinPrice string `json:"artistCoinPrice"`
	PlatformFee     string `json:"platformFee"`
	ArtistFee       string `json:"artistFee"`
	RewardsFee      string `json:"rewardsFee"`
}

// NodeInfo is the static description served on /info.
type NodeInfo struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	ChainID       uint64    `json:"chain_id"`
	Network       string    `json:"network"`
	Token         Token     `json:"token"`
	RPCEndpoint   string    `json:"rpc_endpoint"`
	WSEndpoint    string    `json:"ws_endpoint"`
	Explorer      string    `json:"explorer"`
	Documentation string    `json:"documentation"`
	Features      []string  `json:"features"`
	Economics     Economics `json:"economics"`
}

func NewNodeInfo(version string, chainID uint64, network string) NodeInfo {
	return NodeInfo{
		Name:    "GoatChain Production Node",
		Version: version,
		ChainID: chainID,
		Network: network,
		Token: Token{
			Name:        "GoatChain",
			Symbol:      "GOATCHAIN",
			TotalSupply: "10,000,000",
			Decimals:    18,
		},
		RPCEndpoint:   "http://localhost:8545",
		WSEndpoint:    "ws://localhost:8546",
		Explorer:      "https://explorer.goatfundr.com",
		Documentation: "https://docs.goatfundr.com",
		Features: []string{
			"Artist Coins",
			"Staking (10% APY)",
			"Fee Management (1% Platform, 1% Artist, 1% Rewards)",
			"Governance",
			"NFT Support",
			"DeFi Integration",
		},
		Economics: Economics{
			TotalSupply:     "10,000,000 GOATCHAIN",
			StakingRewards:  "10% APY",
			ArtistCoinPrice: "0.01 ETH",
			PlatformFee:     "1%",
			ArtistFee:       "1%",
			RewardsFee:      "1%",
		},
	}
}
