package session

import "context"

type FileInfo struct {
	IsDir bool   `json:"isDir"`
	Name  string `json:"name"`
}

type Filesystem struct {
	session *Session
}

func (f *Filesystem) ListAllFiles(ctx context.Context, path string) ([]FileInfo, error) {
	var files []FileInfo
	if err := f.session.callInto(ctx, &files, filesystemService, "listAllFiles", path); err != nil {
		return nil, err
	}
	return files, nil
}

func (f *Filesystem) RemoveFile(ctx context.Context, path string) error {
	return f.session.callInto(ctx, nil, filesystemService, "removeFile", path)
}

func (f *Filesystem) WriteFile(ctx context.Context, path, content string) error {
	return f.session.callInto(ctx, nil, filesystemService, "writeFile", path, content)
}

func (f *Filesystem) ReadFile(ctx context.Context, path string) (string, error) {
	var content string
	if err := f.session.callInto(ctx, &content, filesystemService, "readFile", path); err != nil {
		return "", err
	}
	return content, nil
}
