package transport

import (
	"testing"

	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/stretchr/testify/require"
)

func TestDispatchUnknownTypeYieldsKO(t *testing.T) {
	router := NewRouter()
	resp := dispatch(router, log.WithComponent("test"), message.New("missing", map[string]interface{}{"request_id": "r1"}))
	require.Equal(t, "ko", resp.Type)
	require.Equal(t, "r1", resp.Data["request_id"])
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	router := NewRouter()
	router.Handle("boom", func(data map[string]interface{}) message.Message {
		panic("kaboom")
	})
	resp := dispatch(router, log.WithComponent("test"), message.New("boom", map[string]interface{}{"request_id": "r2"}))
	require.Equal(t, "ko", resp.Type)
	require.Equal(t, "r2", resp.Data["request_id"])
}

func TestDispatchTreatsEmptyResponseTypeAsKO(t *testing.T) {
	router := NewRouter()
	router.Handle("silent", func(data map[string]interface{}) message.Message {
		return message.Message{}
	})
	resp := dispatch(router, log.WithComponent("test"), message.New("silent", nil))
	require.Equal(t, "ko", resp.Type)
}

func TestRouterHandleOverwritesPriorRegistration(t *testing.T) {
	router := NewRouter()
	router.Handle("t", func(data map[string]interface{}) message.Message { return message.OK(map[string]interface{}{"v": 1}) })
	router.Handle("t", func(data map[string]interface{}) message.Message { return message.OK(map[string]interface{}{"v": 2}) })

	resp := dispatch(router, log.WithComponent("test"), message.New("t", nil))
	require.Equal(t, 2, resp.Data["v"])
}
