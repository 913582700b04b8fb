package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultVolcengineEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	resourceDuration          = "volc.bigasr.sauc.duration"
	resourceConcurrent        = "volc.bigasr.sauc.concurrent"
	// 16kHz, 16bit, mono 约 200ms
	defaultChunkSize = 6400
	successCode      = 20000000
)

// VolcengineConfig 描述火山引擎大模型流式识别的凭证与端点。
type VolcengineConfig struct {
	Endpoint    string
	AppID       string
	AccessToken string
	// APIKey 在 AccessToken 为空时作为 token 使用。
	APIKey     string
	Language   string
	Concurrent bool

	ChunkSize     int
	ChunkInterval time.Duration
}

// Volcengine 火山引擎 ASR WebSocket 客户端。
type Volcengine struct {
	endpoint   string
	appID      string
	token      string
	resourceID string
	language   string
	chunkSize  int
	interval   time.Duration
	dialer     *websocket.Dialer
}

// NewVolcengine 校验凭证并创建客户端。
func NewVolcengine(cfg VolcengineConfig) (*Volcengine, error) {
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return nil, errors.New("火山引擎语音配置缺少 AppID 或 AccessToken")
	}

	v := &Volcengine{
		endpoint:   cfg.Endpoint,
		appID:      appID,
		token:      token,
		resourceID: resourceDuration,
		language:   cfg.Language,
		chunkSize:  cfg.ChunkSize,
		interval:   cfg.ChunkInterval,
		dialer:     &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
	}
	if v.endpoint == "" {
		v.endpoint = defaultVolcengineEndpoint
	}
	if cfg.Concurrent {
		v.resourceID = resourceConcurrent
	}
	if v.chunkSize <= 0 {
		v.chunkSize = defaultChunkSize
	}
	return v, nil
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

func (v *Volcengine) buildRequest(connectID, format string) asrRequest {
	var req asrRequest
	req.User.UID = connectID

	switch format {
	case "ogg", "webm", "opus":
		req.Audio.Format = "ogg"
		req.Audio.Codec = "opus"
	case "mp3":
		req.Audio.Format = "mp3"
	case "pcm":
		req.Audio.Format = "pcm"
		req.Audio.Codec = "raw"
	default:
		req.Audio.Format = "wav"
		req.Audio.Codec = "raw"
	}
	req.Audio.Language = v.language
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// Transcribe 建立一次 WebSocket 连接，发送完整请求和分片音频，返回最终识别文本。
func (v *Volcengine) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}

	connectID := uuid.NewString()
	hdr := http.Header{}
	hdr.Set("X-Api-App-Key", v.appID)
	hdr.Set("X-Api-Access-Key", v.token)
	hdr.Set("X-Api-Resource-Id", v.resourceID)
	hdr.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := v.dialer.DialContext(ctx, v.endpoint, hdr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[asr] connected with logid: %s", logid)
		}
	}

	payload, err := sonic.ConfigStd.Marshal(v.buildRequest(connectID, NormalizeFormat(format)))
	if err != nil {
		return "", fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	compressed, err := gzipBytes(payload)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(newClientRequest(compressed))); err != nil {
		return "", fmt.Errorf("failed to send ASR request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	recvCh := make(chan result, 1)
	go func() {
		text, err := v.receive(conn)
		recvCh <- result{text: text, err: err}
	}()

	sendCh := make(chan error, 1)
	go func() {
		sendCh <- v.send(ctx, conn, audio)
	}()

	for {
		select {
		case err := <-sendCh:
			if err != nil {
				return "", fmt.Errorf("failed to send audio data: %w", err)
			}
			sendCh = nil
		case res := <-recvCh:
			if res.err != nil {
				return "", res.err
			}
			return strings.TrimSpace(res.text), nil
		case <-ctx.Done():
			// 关闭连接以解除 receive 中的阻塞读。
			_ = conn.Close()
			return "", ctx.Err()
		}
	}
}

func (v *Volcengine) send(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	// 序号 1 已被完整请求占用。
	seq := int32(2)
	for start := 0; start < len(audio); start += v.chunkSize {
		end := min(start+v.chunkSize, len(audio))
		last := end >= len(audio)

		chunk, err := gzipBytes(audio[start:end])
		if err != nil {
			return fmt.Errorf("failed to compress audio chunk: %w", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(newAudioRequest(chunk, seq, last))); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		seq++

		if last || v.interval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.interval):
		}
	}
	return nil
}

func (v *Volcengine) receive(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("failed to read ASR response: %w", err)
		}

		f, err := decodeFrame(data)
		if err != nil {
			return "", fmt.Errorf("failed to decode ASR message: %w", err)
		}

		switch f.Header.Type {
		case errorMessage:
			payload, _ := f.decodedPayload()
			return "", fmt.Errorf("ASR error %d: %s", f.ErrorCode, string(payload))

		case fullServerResponse:
			payload, err := f.decodedPayload()
			if err != nil {
				return "", fmt.Errorf("failed to decompress ASR payload: %w", err)
			}

			var resp asrResponse
			if err := sonic.ConfigStd.Unmarshal(payload, &resp); err != nil {
				log.Printf("[asr] failed to unmarshal response: %v", err)
				continue
			}
			if resp.Code != 0 && resp.Code != successCode {
				return "", fmt.Errorf("ASR API error %d: %s", resp.Code, resp.Message)
			}

			candidate := resp.Result.Text
			if candidate == "" && len(resp.Result.Utterances) > 0 {
				parts := make([]string, 0, len(resp.Result.Utterances))
				for _, u := range resp.Result.Utterances {
					parts = append(parts, u.Text)
				}
				candidate = strings.Join(parts, " ")
			}
			if candidate != "" {
				text = candidate
			}

			if f.isLast() || f.Sequence < 0 {
				return text, nil
			}
		}
	}
}
