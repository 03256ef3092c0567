// Package sandwichjson selects the fastest JSON implementation available for
// the platform. sonic relies on JIT code generation and only runs on
// linux/amd64, everything else falls back to jsoniter configured to behave
// like encoding/json.
package sandwichjson

import (
	"io"
	"runtime"

	"github.com/bytedance/sonic"
	jsoniter "github.com/json-iterator/go"
)

const UseSonic = runtime.GOARCH == "amd64" && runtime.GOOS == "linux"

var (
	sonicAPI    = sonic.ConfigStd
	jsoniterAPI = jsoniter.ConfigCompatibleWithStandardLibrary
)

func Unmarshal(data []byte, v any) error {
	if UseSonic {
		return sonicAPI.Unmarshal(data, v)
	}

	return jsoniterAPI.Unmarshal(data, v)
}

func UnmarshalReader(reader io.Reader, v any) error {
	if UseSonic {
		return sonicAPI.NewDecoder(reader).Decode(v)
	}

	return jsoniterAPI.NewDecoder(reader).Decode(v)
}

func Marshal(v any) ([]byte, error) {
	if UseSonic {
		return sonicAPI.Marshal(v)
	}

	return jsoniterAPI.Marshal(v)
}

func MarshalToWriter(writer io.Writer, v any) error {
	if UseSonic {
		return sonicAPI.NewEncoder(writer).Encode(v)
	}

	return jsoniterAPI.NewEncoder(writer).Encode(v)
}
