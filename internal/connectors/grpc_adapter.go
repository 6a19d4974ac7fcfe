package connectors

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

// DefaultGRPCMethod — метод коннектора метрик, если в конфиге не задан другой.
const DefaultGRPCMethod = "/telemetry.connector.v1.MetricsService/QueryRange"

// GRPCFetcher ходит в коннектор метрик по gRPC. Запрос и ответ — google.protobuf.Struct,
// поэтому сгенерированный клиент не нужен.
//
// Ответ: {"status_code": 0, "error_message": "", "samples": [{"ts": 1700000000, "value": 1.5}]}
type GRPCFetcher struct {
	conn   grpc.ClientConnInterface
	method string
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface, method string) *GRPCFetcher {
	if method == "" {
		method = DefaultGRPCMethod
	}
	return &GRPCFetcher{conn: conn, method: method}
}

// QueryMetric реализует интерфейс engine.SeriesFetcher
func (a *GRPCFetcher) QueryMetric(ctx context.Context, query string, window domain.TimeWindow) (*domain.TimeSeries, error) {
	// 1. Упаковываем запрос в Protobuf Struct
	req, err := structpb.NewStruct(map[string]interface{}{
		"query":  query,
		"from":   window.From,
		"to":     window.To,
		"source": "telemetry-aggregator",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Выполняем вызов. Таймаут уже стоит на контексте задачи
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, a.method, req, resp); err != nil {
		info := Classify(err)
		switch info.Kind {
		case domain.ErrorKindAuth:
			return nil, &AuthError{Backend: "grpc", Cause: err}
		case domain.ErrorKindTimeout:
			return nil, &TimeoutError{Cause: err}
		case domain.ErrorKindCancelled:
			return nil, &CancelledError{Cause: err}
		default:
			return nil, &BackendError{StatusCode: info.StatusCode, Message: info.Message}
		}
	}

	// 3. Проверяем статус внутри ответа
	if code := int(resp.GetFields()["status_code"].GetNumberValue()); code != 0 {
		return nil, &BackendError{StatusCode: code, Message: resp.GetFields()["error_message"].GetStringValue()}
	}

	return decodeStructSeries(resp)
}

func decodeStructSeries(resp *structpb.Struct) (*domain.TimeSeries, error) {
	raw, ok := resp.GetFields()["samples"]
	if !ok {
		return nil, &MalformedDataError{Reason: "missing samples"}
	}
	list := raw.GetListValue()
	if list == nil {
		return nil, &MalformedDataError{Reason: "samples is not a list"}
	}

	series := &domain.TimeSeries{Samples: make([]domain.Sample, 0, len(list.GetValues()))}
	for i, item := range list.GetValues() {
		obj := item.GetStructValue()
		if obj == nil {
			return nil, &MalformedDataError{Reason: fmt.Sprintf("sample %d is not an object", i)}
		}
		ts, ok := obj.GetFields()["ts"].GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, &MalformedDataError{Reason: fmt.Sprintf("sample %d has no numeric ts", i)}
		}
		s := domain.Sample{Timestamp: int64(ts.NumberValue)}
		switch v := obj.GetFields()["value"].GetKind().(type) {
		case *structpb.Value_NumberValue:
			s.Value = domain.Float(v.NumberValue)
		case *structpb.Value_NullValue, nil:
			// пропуск сохраняем как есть
		default:
			return nil, &MalformedDataError{Reason: fmt.Sprintf("sample %d has non-numeric value", i)}
		}
		series.Samples = append(series.Samples, s)
	}
	sortSamples(series.Samples)
	return series, nil
}

func sortSamples(samples []domain.Sample) {
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })
}
