package harness

import "encoding/json"

func decodePayload(raw string, v interface{}) error {
	return json.Unmarshal([]byte(raw), v)
}

func encodePayload(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
