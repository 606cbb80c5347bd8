package storage

// Credential blob shapes, one per provider type. These are what the account
// registry stores as its opaque json credentials column; only the storage
// layer and the provider implementations ever decode them.

// OneDriveCredentials configures a OneDrive (Microsoft Graph) account.
type OneDriveCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	TenantID     string `json:"tenant_id"`
	RootFolder   string `json:"root_folder,omitempty"`
}

// GoogleDriveCredentials configures a Google Drive account.
type GoogleDriveCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	FolderID     string `json:"folder_id,omitempty"`
}

// S3Credentials configures an S3-compatible object store account.
type S3Credentials struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
	Prefix    string `json:"prefix,omitempty"`
}

// WebDAVCredentials configures a WebDAV account.
type WebDAVCredentials struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	RootPath string `json:"root_path,omitempty"`
}
