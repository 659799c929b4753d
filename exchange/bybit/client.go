package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tradelink/rest"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	mainnetStreamURL = "wss://stream.bybit.com/v5"
	testnetStreamURL = "wss://stream-testnet.bybit.com/v5"

	recvWindow = "5000"
)

// signer Bybit V5 签名
// 签名串为 timestamp + apiKey + recvWindow + (queryString | body)
type signer struct {
	apiKey    string
	secretKey string
}

func (s *signer) Sign(req *http.Request, body []byte) error {
	if s.apiKey == "" {
		return nil // 公共接口无需签名
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var payload string
	if req.Method == http.MethodGet {
		payload = req.URL.RawQuery
	} else {
		payload = string(body)
	}

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(timestamp + s.apiKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	return nil
}

// wsAuthArgs 私有流认证参数
// 签名串为 "GET/realtime" + expires
func wsAuthArgs(apiKey, secretKey string) []interface{} {
	expires := time.Now().Add(5 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	signature := hex.EncodeToString(mac.Sum(nil))
	return []interface{}{apiKey, expires, signature}
}

// baseURL 根据网络环境返回 REST 地址
func baseURL(testnet bool) string {
	if testnet {
		return testnetBaseURL
	}
	return mainnetBaseURL
}

// streamURL 返回 WebSocket 地址，path 如 "public/linear"、"private"
func streamURL(testnet bool, path string) string {
	base := mainnetStreamURL
	if testnet {
		base = testnetStreamURL
	}
	return base + "/" + path
}

// envelope Bybit V5 统一响应外层
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

var _ rest.Signer = (*signer)(nil)
