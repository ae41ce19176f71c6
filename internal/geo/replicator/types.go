package replicator

// Replicable types known to the engine.
const (
	TypeLFSObject         = "lfs_object"
	TypeUpload            = "upload"
	TypeJobArtifact       = "job_artifact"
	TypePackageFile       = "package_file"
	TypeProjectRepository = "project_repository"
	TypeWikiRepository    = "wiki_repository"
	TypeSnippetRepository = "snippet_repository"
	TypeDesignRepository  = "design_repository"
)

// BlobTypes are replicated with the BlobStrategy.
var BlobTypes = []string{TypeLFSObject, TypeUpload, TypeJobArtifact, TypePackageFile}

// RepositoryTypes are replicated with the RepositoryStrategy.
var RepositoryTypes = []string{TypeProjectRepository, TypeWikiRepository, TypeSnippetRepository, TypeDesignRepository}

// IsRepositoryType reports whether typ is replicated as a Git repository.
func IsRepositoryType(typ string) bool {
	for _, t := range RepositoryTypes {
		if t == typ {
			return true
		}
	}
	return false
}
