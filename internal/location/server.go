package location

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/tripsync/internal/auth"
	"github.com/example/tripsync/internal/realtime"
	"github.com/example/tripsync/internal/trip/domain"
)

// Ingestor accepts a position sample on behalf of an actor.
type Ingestor interface {
	Submit(ctx context.Context, tripID, actorID string, sample domain.LocationSample) error
}

// Config limits how fast a single stream may report.
type Config struct {
	Rate  float64
	Burst int
}

// Server feeds streamed samples into the location pipeline. The caller must already be
// a member of the trip through a realtime session; the stream only carries positions.
type Server struct {
	ingest Ingestor
	secret string
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(ingest Ingestor, secret string, cfg Config, logger *zap.Logger) *Server {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ingest: ingest, secret: secret, cfg: cfg, logger: logger}
}

// StreamLocation ingests samples until the client closes the stream, then reports how
// many were accepted.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	ctx := stream.Context()
	actorID, err := s.authenticate(ctx)
	if err != nil {
		return err
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Rate), s.cfg.Burst)
	ack := &IngestAck{Reasons: map[string]int32{}}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("location stream closed",
				zap.String("actor_id", actorID),
				zap.Int32("accepted", ack.Accepted),
				zap.Int32("rejected", ack.Rejected))
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		if !limiter.Allow() {
			s.reject(ack, realtime.ErrRateLimited)
			continue
		}
		if err := s.ingest.Submit(ctx, msg.TripID, actorID, toSample(msg)); err != nil {
			s.reject(ack, err)
			continue
		}
		ack.Accepted++
	}
}

func (s *Server) reject(ack *IngestAck, err error) {
	ack.Rejected++
	ack.Reasons[realtime.Reason(err)]++
}

func (s *Server) authenticate(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing token")
	}
	claims, err := auth.ParseToken(s.secret, auth.TokenFromHeader(values[0]))
	if err != nil {
		return "", status.Error(codes.Unauthenticated, "invalid token")
	}
	return claims.ActorID(), nil
}

func toSample(msg *LocationReport) domain.LocationSample {
	sample := domain.LocationSample{
		Point:    domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng},
		Heading:  msg.Heading,
		Speed:    msg.Speed,
		Accuracy: msg.Accuracy,
	}
	if msg.Ts > 0 {
		sample.Timestamp = time.UnixMilli(msg.Ts).UTC()
	}
	return sample
}
