package soft

import (
	"log/slog"
	"sort"

	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
	"github.com/babelcloud/gbox-streamer/internal/util"
)

// Encoder names advertised by the registry.
const (
	VideoEncoderName = "soft.avc.encoder"
	AudioEncoderName = "soft.aac.encoder"
)

// EncoderInfo describes one advertised encoder.
type EncoderInfo struct {
	Name string
	Mime string
	Kind streamer.StreamKind
}

// Registry is a streamer.CodecFactory backed by the soft encoders.
type Registry struct {
	encoders *bimap.BiMap[string, string] // name <-> mime
	logger   *slog.Logger
}

func NewRegistry() *Registry {
	r := &Registry{
		encoders: bimap.NewBiMap[string, string](),
		logger:   util.GetLogger().With("component", "soft-codec"),
	}
	r.encoders.Insert(VideoEncoderName, streamer.MimeVideoAVC)
	r.encoders.Insert(AudioEncoderName, streamer.MimeAudioAAC)
	return r
}

func (r *Registry) FindEncoderForMime(mime string) (string, bool) {
	return r.encoders.GetInverse(mime)
}

func (r *Registry) CreateVideoEncoder(name string) (streamer.VideoEncoder, error) {
	if mime, ok := r.encoders.Get(name); !ok || mime != streamer.MimeVideoAVC {
		return nil, errors.Errorf("no video encoder named %q", name)
	}
	r.logger.Debug("Creating video encoder", "name", name)
	return NewVideoEncoder(name, r.logger), nil
}

func (r *Registry) CreateAudioEncoder(name string) (streamer.AudioEncoder, error) {
	if mime, ok := r.encoders.Get(name); !ok || mime != streamer.MimeAudioAAC {
		return nil, errors.Errorf("no audio encoder named %q", name)
	}
	r.logger.Debug("Creating audio encoder", "name", name)
	return NewAudioEncoder(name, r.logger), nil
}

// Encoders lists the advertised encoders sorted by name.
func (r *Registry) Encoders() []EncoderInfo {
	var infos []EncoderInfo
	for _, name := range []string{VideoEncoderName, AudioEncoderName} {
		mime, ok := r.encoders.Get(name)
		if !ok {
			continue
		}
		kind := streamer.KindAudio
		if mime == streamer.MimeVideoAVC {
			kind = streamer.KindVideo
		}
		infos = append(infos, EncoderInfo{Name: name, Mime: mime, Kind: kind})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
