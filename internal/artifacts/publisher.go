package artifacts

import (
	"context"

	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/topology"
)

// Publisher generates and uploads local artifacts for one version.
type Publisher struct {
	Repo    *Repository
	Version string
}

func NewPublisher(repo *Repository, version string) *Publisher {
	return &Publisher{Repo: repo, Version: version}
}

// Generate builds the version's manifests for services.
func (p *Publisher) Generate(services map[string]topology.ServiceSpec) error {
	return p.Repo.Generate(p.Version, services)
}

// Publish packages ref and hands the archive to the target.
func (p *Publisher) Publish(ctx context.Context, target surface.Surface, service, ref string) error {
	archive, err := p.Repo.Package(p.Version, ref)
	if err != nil {
		return err
	}
	return target.AddLocalPackage(ctx, service, archive)
}
