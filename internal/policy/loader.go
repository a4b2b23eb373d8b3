package policy

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// MaxDocumentSize caps a policy document from any source.
const MaxDocumentSize = 1 << 20

// SourceKind says where a policy document comes from.
type SourceKind string

const (
	SourceEmbedded SourceKind = "embedded"
	SourceFile     SourceKind = "file"
	SourceS3       SourceKind = "s3"
	SourceSSM      SourceKind = "ssm"
)

// Source is a parsed policy location.
type Source struct {
	Kind SourceKind
	// file path, s3 key or ssm parameter name
	Path   string
	Bucket string
}

func (s Source) String() string {
	switch s.Kind {
	case SourceFile:
		return "file://" + s.Path
	case SourceS3:
		return "s3://" + s.Bucket + "/" + s.Path
	case SourceSSM:
		return "ssm://" + s.Path
	}
	return string(SourceEmbedded) + ":"
}

// ParseSource understands "" / "embedded:", a bare path or file:///path,
// s3://bucket/key and ssm://parameter-name. SSM names may be hierarchical,
// ssm:///throttle/policy and ssm://throttle/policy both name
// "/throttle/policy".
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == "embedded:" || raw == "embedded":
		return Source{Kind: SourceEmbedded}, nil

	case strings.HasPrefix(raw, "s3://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Source{}, xerrors.Wrapf(err, "parse policy source %q", raw)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Source{}, xerrors.Newf("policy source %q: want s3://bucket/key", raw)
		}
		return Source{Kind: SourceS3, Bucket: u.Host, Path: key}, nil

	case strings.HasPrefix(raw, "ssm://"):
		name := strings.TrimPrefix(raw, "ssm://")
		if strings.Trim(name, "/") == "" {
			return Source{}, xerrors.Newf("policy source %q: missing parameter name", raw)
		}
		if strings.Contains(name, "/") && !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		return Source{Kind: SourceSSM, Path: name}, nil

	case strings.HasPrefix(raw, "file://"):
		raw = strings.TrimPrefix(raw, "file://")
		fallthrough
	default:
		if strings.Contains(raw, "://") {
			return Source{}, xerrors.Newf("policy source %q: unsupported scheme", raw)
		}
		if raw == "" {
			return Source{}, xerrors.New("policy source: empty file path")
		}
		if pathutil.HasDotSegments(raw) {
			return Source{}, xerrors.Newf("policy source %q: path must not contain . or .. segments", raw)
		}
		return Source{Kind: SourceFile, Path: raw}, nil
	}
}

// S3API is the part of *s3.Client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the part of *ssm.Client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// ExpectSHA256 pins the document, a mismatch fails the load
	ExpectSHA256 string

	// clients are built from AWSConfig (or the default chain) when nil
	AWSConfig *aws.Config
	S3        S3API
	SSM       SSMAPI
}

// Load reads, parses and validates the policy at source.
func Load(ctx context.Context, source string, opts LoaderOptions) (*Policy, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	src, err := ParseSource(source)
	if err != nil {
		return nil, err
	}

	doc, err := fetch(ctx, src, &opts)
	if err != nil {
		return nil, err
	}

	sum := cryptoutil.SHA256Hex(doc)
	if opts.ExpectSHA256 != "" && !cryptoutil.HashEqual(opts.ExpectSHA256, sum) {
		return nil, xerrors.Newf("policy %s: sha256 mismatch: expected %s, got %s", src, opts.ExpectSHA256, sum)
	}

	p, err := Parse(doc)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy %s", src)
	}
	if err := p.Validate(); err != nil {
		return nil, xerrors.Wrapf(err, "policy %s invalid", src)
	}
	p.Source = src.String()
	p.SHA256 = sum

	L.Info(ctx, "policy loaded",
		"source", p.Source,
		"sha256", sum,
		"tiers", len(p.Tiers),
		"routes", len(p.Routes),
	)
	return p, nil
}

func fetch(ctx context.Context, src Source, opts *LoaderOptions) ([]byte, error) {
	switch src.Kind {
	case SourceEmbedded:
		return DefaultDocument(), nil

	case SourceFile:
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, xerrors.Wrapf(err, "open policy file %s", src.Path)
		}
		defer f.Close()
		return readCapped(f, src)

	case SourceS3:
		client, err := opts.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(src.Bucket),
			Key:    aws.String(src.Path),
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "get S3 object %s", src)
		}
		defer out.Body.Close()
		return readCapped(out.Body, src)

	case SourceSSM:
		client, err := opts.ssmClient(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(src.Path),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "get SSM parameter %s", src.Path)
		}
		if out.Parameter == nil || out.Parameter.Value == nil || strings.TrimSpace(*out.Parameter.Value) == "" {
			return nil, xerrors.Newf("SSM parameter %s has no value", src.Path)
		}
		return readCapped(strings.NewReader(*out.Parameter.Value), src)
	}
	return nil, xerrors.Newf("unknown policy source kind %q", src.Kind)
}

func readCapped(r io.Reader, src Source) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy %s", src)
	}
	if len(b) > MaxDocumentSize {
		return nil, xerrors.Newf("policy %s exceeds %d bytes", src, MaxDocumentSize)
	}
	return b, nil
}

func (o *LoaderOptions) awsConfig(ctx context.Context) (aws.Config, error) {
	if o.AWSConfig != nil {
		return *o.AWSConfig, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	o.AWSConfig = &cfg
	return cfg, nil
}

func (o *LoaderOptions) s3Client(ctx context.Context) (S3API, error) {
	if o.S3 != nil {
		return o.S3, nil
	}
	cfg, err := o.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

func (o *LoaderOptions) ssmClient(ctx context.Context) (SSMAPI, error) {
	if o.SSM != nil {
		return o.SSM, nil
	}
	cfg, err := o.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return ssm.NewFromConfig(cfg), nil
}
