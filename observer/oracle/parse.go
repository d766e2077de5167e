package oracle

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/GPTx-global/xobserver/observer/types"
)

// grpc-gateway reports NotFound with code 5.
const codeNotFound = 5

func isNotFound(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	res := gjson.ParseBytes(body)
	if res.Get("code").Int() == codeNotFound {
		return true
	}
	for _, field := range []string{"message", "error"} {
		if strings.Contains(strings.ToLower(res.Get(field).String()), "not found") {
			return true
		}
	}
	return false
}

// parseRecord extracts the record from a 2xx body. Inbound lookups answer
// {"tx": {...}}, index lookups {"data": {"Send": {...}}}; a null record is
// NotFound.
func parseRecord(key types.ObservationKey, body []byte) (*types.ObservationRecord, error) {
	if !gjson.ValidBytes(body) {
		return nil, types.ErrProtocol.Wrap("response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, types.ErrProtocol.Wrap("response is not a JSON object")
	}

	var raw gjson.Result
	switch key.Kind {
	case types.KeyInbound:
		raw = root.Get("tx")
	case types.KeyIndex:
		data := root.Get("data")
		if !data.Exists() {
			return nil, types.ErrProtocol.Wrap("response has no data field")
		}
		raw = data.Get("Send")
	}

	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	if !raw.IsObject() {
		return nil, types.ErrProtocol.Wrapf("record is %s, expected an object", raw.Type)
	}

	rawStatus, message, err := statusFields(raw)
	if err != nil {
		return nil, err
	}
	status, err := types.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	index := raw.Get("index").String()
	if index == "" && key.Kind == types.KeyIndex {
		index = key.Value
	}

	return &types.ObservationRecord{
		Key:           key,
		Index:         index,
		Status:        status,
		SenderChain:   firstString(raw, "senderChain", "sender_chain_id", "inbound_tx_params.sender_chain_id"),
		ReceiverChain: firstString(raw, "receiverChain", "receiver_chain_id", "outbound_tx_params.0.receiver_chainId"),
		StatusMessage: message,
	}, nil
}

// statusFields accepts "status": "X", "status": {"status": "X",
// "status_message": "..."} and the cctx form "cctx_status": {...}.
func statusFields(raw gjson.Result) (string, string, error) {
	for _, field := range []string{"status", "cctx_status"} {
		v := raw.Get(field)
		switch {
		case v.Type == gjson.String:
			return v.String(), raw.Get("statusMessage").String(), nil
		case v.IsObject():
			s := v.Get("status")
			if s.Type != gjson.String {
				return "", "", types.ErrProtocol.Wrapf("%s.status is missing", field)
			}
			return s.String(), v.Get("status_message").String(), nil
		}
	}
	return "", "", types.ErrProtocol.Wrap("record has no status")
}

func firstString(raw gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := raw.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
