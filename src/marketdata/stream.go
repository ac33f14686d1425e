package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"chartview/src/candle"
	"chartview/src/common"
)

const StreamWebSocketBaseURL = "wss://fstream.binance.com/stream"

// Stream pushes live kline updates into open chart sessions over the Binance
// futures combined-stream websocket. Sessions subscribe and unsubscribe from
// their own goroutines, so mu guards the handler map, the connection pointer,
// and every write: the websocket allows only one concurrent writer.
type Stream struct {
	url string

	mu       sync.Mutex
	closed   bool
	conn     *websocket.Conn
	handlers map[string]func(candle.Candle, bool)
}

type streamRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime   int64           `json:"t"`
		Open       decimal.Decimal `json:"o"`
		High       decimal.Decimal `json:"h"`
		Low        decimal.Decimal `json:"l"`
		Close      decimal.Decimal `json:"c"`
		Volume     decimal.Decimal `json:"v"`
		QuoteVol   decimal.Decimal `json:"q"`
		IsFinal    bool            `json:"x"`
		Interval   string          `json:"i"`
		FirstTrade int64           `json:"f"`
	} `json:"k"`
}

func NewStream() *Stream {
	return &Stream{
		url:      StreamWebSocketBaseURL,
		handlers: make(map[string]func(candle.Candle, bool), 100),
	}
}

func (s *Stream) Init(ctx context.Context) error {
	go s.readMessages(ctx)
	return s.connect(ctx)
}

func (s *Stream) readMessages(ctx context.Context) {
	defer common.HandlePanic()
	for {
		s.mu.Lock()
		conn, closed := s.conn, s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed = s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			common.Logger.Sugar().Warnf("Stream ReadMessage error: %v", err)
			s.reconnect(ctx)
			continue
		}
		var envelope streamEnvelope
		err = json.Unmarshal(message, &envelope)
		if err != nil {
			common.Logger.Sugar().Warnf("Stream Unmarshal error: %v %s", err, string(message))
			continue
		}
		s.mu.Lock()
		hand, ok := s.handlers[envelope.Stream]
		s.mu.Unlock()
		if !ok {
			common.Logger.Sugar().Warnf("Stream no handler for message: %s", string(message))
			continue
		}
		var event klineEvent
		err = json.Unmarshal(envelope.Data, &event)
		if err != nil {
			common.Logger.Sugar().Warnf("Stream kline Unmarshal error: %v %s", err, string(envelope.Data))
			continue
		}
		hand(candle.Candle{
			Time:       event.Kline.OpenTime / 1000,
			Open:       event.Kline.Open.InexactFloat64(),
			High:       event.Kline.High.InexactFloat64(),
			Low:        event.Kline.Low.InexactFloat64(),
			Close:      event.Kline.Close.InexactFloat64(),
			Volume:     event.Kline.Volume.InexactFloat64(),
			VolumeUSDT: event.Kline.QuoteVol.InexactFloat64(),
			IsLong:     event.Kline.Close.GreaterThanOrEqual(event.Kline.Open),
		}, event.Kline.IsFinal)
	}
}

func (s *Stream) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Stream) reconnect(ctx context.Context) {
	for i := 0; i < 5; i++ {
		time.Sleep(time.Second)
		err := s.connect(ctx)
		if err != nil {
			common.Logger.Sugar().Warnf("Stream reconnect error %v", err)
			continue
		}
		common.Logger.Sugar().Infof("Stream reconnect success after %d attempts", i+1)
		break
	}
}

// Subscribe registers handler for kline updates of (symbol, interval).
// The handler receives each update and whether the candle is closed.
func (s *Stream) Subscribe(symbol string, interval candle.Interval, handler func(candle.Candle, bool)) error {
	if handler == nil {
		return fmt.Errorf("Subscribe handler is empty")
	}
	stream := strings.ToLower(symbol) + "@kline_" + interval.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("Subscribe stream connection is nil")
	}
	s.handlers[stream] = handler
	request := &streamRequest{
		ID:     uuid.New().String(),
		Method: "SUBSCRIBE",
		Params: []string{stream},
	}
	err := s.conn.WriteJSON(request)
	if err != nil {
		delete(s.handlers, stream)
		return fmt.Errorf("Subscribe WriteJSON error: %v", err)
	}
	return nil
}

func (s *Stream) Unsubscribe(symbol string, interval candle.Interval) {
	stream := strings.ToLower(symbol) + "@kline_" + interval.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, stream)
	if s.conn == nil {
		return
	}
	request := &streamRequest{
		ID:     uuid.New().String(),
		Method: "UNSUBSCRIBE",
		Params: []string{stream},
	}
	if err := s.conn.WriteJSON(request); err != nil {
		common.Logger.Sugar().Warnf("Unsubscribe WriteJSON error: %v", err)
	}
}

func (s *Stream) Clean() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
