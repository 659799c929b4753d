package deribit

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"tradelink/rest"
)

const (
	mainnetBaseURL = "https://www.deribit.com/api/v2"
	testnetBaseURL = "https://test.deribit.com/api/v2"

	mainnetStreamURL = "wss://www.deribit.com/ws/api/v2"
	testnetStreamURL = "wss://test.deribit.com/ws/api/v2"
)

// signer Deribit REST 认证：client_id:client_secret 的 Basic 认证
// 无状态，不需要维护 access_token 的刷新
type signer struct {
	clientID     string
	clientSecret string
}

func (s *signer) Sign(req *http.Request, body []byte) error {
	if s.clientID == "" {
		return nil
	}
	token := base64.StdEncoding.EncodeToString([]byte(s.clientID + ":" + s.clientSecret))
	req.Header.Set("Authorization", "Basic "+token)
	return nil
}

func baseURL(testnet bool) string {
	if testnet {
		return testnetBaseURL
	}
	return mainnetBaseURL
}

func streamURL(testnet bool) string {
	if testnet {
		return testnetStreamURL
	}
	return mainnetStreamURL
}

// rpcEnvelope JSON-RPC 响应外层
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var _ rest.Signer = (*signer)(nil)
