// Package grpcclient talks to an out-of-process vision service over gRPC.
//
// The service exchanges google.protobuf.Struct messages:
//
//	request:  {"image_url": "..."}
//	response: {"labels": [...], "objects": [{"name": "...", "score": 0.9}], "web_entities": [...]}
package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/lostfound/internal/logging"
	"github.com/example/lostfound/internal/vision"
)

// AnalyzeMethod is the full gRPC method name of the remote analyze call.
const AnalyzeMethod = "/lostfound.vision.v1.VisionService/Analyze"

// DialVisionService returns a vision.Provider backed by the remote service.
func DialVisionService(ctx context.Context, addr string, logger *zap.Logger) (*RemoteProvider, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_vision_service", "", err)
		logger.Error("failed to dial vision service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteProvider(conn, logger), conn, nil
}

// RemoteProvider implements vision.Provider over a gRPC connection.
type RemoteProvider struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewRemoteProvider wraps an existing connection.
func NewRemoteProvider(conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteProvider {
	return &RemoteProvider{conn: conn, logger: logger.Named("grpc_vision")}
}

// Analyze implements vision.Provider.
func (r *RemoteProvider) Analyze(ctx context.Context, imageURL string) (*vision.Analysis, error) {
	req, err := structpb.NewStruct(map[string]any{"image_url": imageURL})
	if err != nil {
		return nil, vision.Unavailable(err)
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, AnalyzeMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.analyze", "", vision.Unavailable(err))
		r.logger.Error("vision service call failed",
			zap.Error(wrapped),
			zap.String("code", status.Code(err).String()),
			zap.String("image_url", imageURL),
		)
		return nil, wrapped
	}

	analysis, err := analysisFromStruct(resp)
	if err != nil {
		return nil, vision.Unavailable(err)
	}
	return analysis, nil
}

func analysisFromStruct(s *structpb.Struct) (*vision.Analysis, error) {
	fields := s.GetFields()
	analysis := &vision.Analysis{
		Labels:      stringList(fields["labels"]),
		WebEntities: stringList(fields["web_entities"]),
		Objects:     []vision.DetectedObject{},
	}

	for i, v := range fields["objects"].GetListValue().GetValues() {
		obj := v.GetStructValue()
		if obj == nil {
			return nil, fmt.Errorf("objects[%d]: expected struct", i)
		}
		name := obj.GetFields()["name"].GetStringValue()
		if name == "" {
			continue
		}
		analysis.Objects = append(analysis.Objects, vision.DetectedObject{
			Name:  name,
			Score: obj.GetFields()["score"].GetNumberValue(),
		})
	}
	return analysis, nil
}

func stringList(v *structpb.Value) []string {
	values := v.GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, item := range values {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
