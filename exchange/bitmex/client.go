package bitmex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradelink/rest"
)

const (
	mainnetBaseURL = "https://www.bitmex.com"
	testnetBaseURL = "https://testnet.bitmex.com"

	mainnetStreamURL = "wss://ws.bitmex.com/realtime"
	testnetStreamURL = "wss://ws.testnet.bitmex.com/realtime"

	apiPrefix = "/api/v1"
)

// signer BitMEX 签名
// 签名串为 verb + path(含查询串) + expires + body，expires 为未来的 Unix 秒
type signer struct {
	apiKey    string
	secretKey string
}

func (s *signer) Sign(req *http.Request, body []byte) error {
	if s.apiKey == "" {
		return nil
	}

	expires := strconv.FormatInt(time.Now().Add(7*time.Second).Unix(), 10)

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(req.Method + path + expires))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("api-key", s.apiKey)
	req.Header.Set("api-expires", expires)
	req.Header.Set("api-signature", signature)
	return nil
}

// wsAuthArgs 私有流认证参数，签名串为 "GET/realtime" + expires
func wsAuthArgs(apiKey, secretKey string) []interface{} {
	expires := time.Now().Add(7 * time.Second).Unix()
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	return []interface{}{apiKey, expires, hex.EncodeToString(mac.Sum(nil))}
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

// currencyScale 结算货币的最小单位换算
// BitMEX 的金额以最小单位返回（XBt 聪、USDt 百万分之一）
func currencyScale(currency string) decimal.Decimal {
	switch currency {
	case "XBt":
		return decimal.New(1, 8)
	case "USDt":
		return decimal.New(1, 6)
	case "Gwei":
		return decimal.New(1, 9)
	default:
		return decimal.New(1, 0)
	}
}

// settleSymbol 结算货币的展示名
func settleSymbol(currency string) string {
	switch currency {
	case "XBt":
		return "BTC"
	case "USDt":
		return "USDT"
	case "Gwei":
		return "ETH"
	default:
		return currency
	}
}

var _ rest.Signer = (*signer)(nil)
