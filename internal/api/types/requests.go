package types

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type ProjectCreateRequest struct {
	Name              string `json:"name" validate:"required"`
	Description       string `json:"description"`
	RepoURL           string `json:"repo_url" validate:"omitempty,url"`
	Branch            string `json:"branch"`
	DockerfileContent string `json:"dockerfile_content"`
	ComposeContent    string `json:"compose_content"`
}

type ProjectUpdateRequest struct {
	Description       *string `json:"description"`
	RepoURL           *string `json:"repo_url" validate:"omitempty,url"`
	Branch            *string `json:"branch"`
	DockerfileContent *string `json:"dockerfile_content"`
	ComposeContent    *string `json:"compose_content"`
	Archived          *bool   `json:"archived"`
}

type AnalysisCreateRequest struct {
	ProjectID string `json:"project_id" validate:"required,uuid4"`
}
