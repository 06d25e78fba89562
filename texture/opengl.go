package texture

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/XR-Robotics/robotvision/decode"
	"github.com/XR-Robotics/robotvision/render"
	"github.com/go-gl/gl/v4.1-core/gl"
)

// Shader pair for the copy pass: a full-viewport quad sampling the
// source texture once per fragment.
const (
	blitVertexShader = `#version 410
in vec4 a_Position;
in vec2 a_TexCoord;
out vec2 v_TexCoord;
void main() {
    gl_Position = a_Position;
    v_TexCoord = a_TexCoord;
}
` + "\x00"

	blitFragmentShader = `#version 410
in vec2 v_TexCoord;
out vec4 fragColor;
uniform sampler2D s_Texture;
void main() {
    fragColor = texture(s_Texture, v_TexCoord);
}
` + "\x00"
)

// Full-screen quad as a triangle strip. Texture coordinates map the
// upload's first row to the top of the quad.
var (
	blitVertices = []float32{
		-1, 1,
		1, 1,
		-1, -1,
		1, -1,
	}
	blitTexCoords = []float32{
		0, 0,
		1, 0,
		0, 1,
		1, 1,
	}
)

// blitState is the vertex plumbing attached to one compiled program.
type blitState struct {
	vao       uint32
	vertexVBO uint32
	uvVBO     uint32
	sTexture  int32
}

// OpenGL implements GL with the go-gl v4.1 core bindings. The function
// loader runs lazily on first render-thread use, so constructing one is
// free and safe on any goroutine.
//
// Blit program vertex state is kept per program name. Like everything
// behind the GL interface it is render-thread confined and unlocked.
type OpenGL struct {
	initOnce sync.Once
	initErr  error

	blits map[ID]*blitState
}

// NewOpenGL returns an unloaded binding.
func NewOpenGL() *OpenGL {
	return &OpenGL{blits: make(map[ID]*blitState)}
}

func (o *OpenGL) ensureInit() error {
	o.initOnce.Do(func() {
		if err := gl.Init(); err != nil {
			o.initErr = fmt.Errorf("texture: initializing GL bindings: %w", err)
			return
		}
		slog.Info("texture: GL bindings initialized",
			"version", gl.GoStr(gl.GetString(gl.VERSION)))
	})
	return o.initErr
}

// glFormat maps a pixel format to texture allocation and upload
// parameters.
func glFormat(format decode.PixelFormat) (internal int32, layout uint32, err error) {
	switch format {
	case decode.FormatRGBA:
		return gl.RGBA8, gl.RGBA, nil
	case decode.FormatRGB:
		return gl.RGB8, gl.RGB, nil
	default:
		return 0, 0, fmt.Errorf("texture: pixel format %v has no GL upload layout", format)
	}
}

// CreateTexture allocates a 2D texture with linear filtering and edge
// clamping.
func (o *OpenGL) CreateTexture(_ render.Token, width, height int, format decode.PixelFormat) (ID, error) {
	if err := o.ensureInit(); err != nil {
		return 0, err
	}
	internal, layout, err := glFormat(format)
	if err != nil {
		return 0, err
	}

	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.TexImage2D(gl.TEXTURE_2D, 0, internal, int32(width), int32(height), 0,
		layout, gl.UNSIGNED_BYTE, gl.Ptr(nil))
	gl.BindTexture(gl.TEXTURE_2D, 0)

	if glErr := gl.GetError(); glErr != gl.NO_ERROR {
		gl.DeleteTextures(1, &tex)
		return 0, fmt.Errorf("texture: allocating %dx%d %v texture: GL error 0x%04x",
			width, height, format, glErr)
	}
	return ID(tex), nil
}

// UploadPixels replaces the full texture content from a tightly packed
// byte slice.
func (o *OpenGL) UploadPixels(_ render.Token, tex ID, width, height int, format decode.PixelFormat, pixels []byte) error {
	if err := o.ensureInit(); err != nil {
		return err
	}
	_, layout, err := glFormat(format)
	if err != nil {
		return err
	}
	if want := format.FrameBytes(width, height); len(pixels) < want {
		return fmt.Errorf("texture: short pixel buffer: %d bytes, want %d", len(pixels), want)
	}

	gl.BindTexture(gl.TEXTURE_2D, uint32(tex))
	// Rows are tightly packed; RGB rows are not 4-byte aligned.
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(width), int32(height),
		layout, gl.UNSIGNED_BYTE, gl.Ptr(pixels))
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 4)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	if glErr := gl.GetError(); glErr != gl.NO_ERROR {
		return fmt.Errorf("texture: uploading %dx%d %v frame: GL error 0x%04x",
			width, height, format, glErr)
	}
	return nil
}

// DeleteTexture releases a texture name.
func (o *OpenGL) DeleteTexture(_ render.Token, tex ID) {
	if tex == 0 || o.ensureInit() != nil {
		return
	}
	t := uint32(tex)
	gl.DeleteTextures(1, &t)
}

// CreateFramebuffer allocates an offscreen framebuffer object.
func (o *OpenGL) CreateFramebuffer(_ render.Token) (ID, error) {
	if err := o.ensureInit(); err != nil {
		return 0, err
	}
	var fbo uint32
	gl.GenFramebuffers(1, &fbo)
	if glErr := gl.GetError(); glErr != gl.NO_ERROR {
		return 0, fmt.Errorf("texture: allocating framebuffer: GL error 0x%04x", glErr)
	}
	return ID(fbo), nil
}

// DeleteFramebuffer releases a framebuffer name.
func (o *OpenGL) DeleteFramebuffer(_ render.Token, fbo ID) {
	if fbo == 0 || o.ensureInit() != nil {
		return
	}
	f := uint32(fbo)
	gl.DeleteFramebuffers(1, &f)
}

// CreateBlitProgram compiles and links the copy pass and uploads its
// static vertex state: one VAO, one buffer per attribute.
func (o *OpenGL) CreateBlitProgram(_ render.Token) (ID, error) {
	if err := o.ensureInit(); err != nil {
		return 0, err
	}

	vert, err := compileShader(gl.VERTEX_SHADER, blitVertexShader)
	if err != nil {
		return 0, err
	}
	frag, err := compileShader(gl.FRAGMENT_SHADER, blitFragmentShader)
	if err != nil {
		gl.DeleteShader(vert)
		return 0, err
	}

	prog := gl.CreateProgram()
	gl.AttachShader(prog, vert)
	gl.AttachShader(prog, frag)
	gl.LinkProgram(prog)
	gl.DeleteShader(vert)
	gl.DeleteShader(frag)

	var status int32
	gl.GetProgramiv(prog, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		infoLog := programLog(prog)
		gl.DeleteProgram(prog)
		return 0, fmt.Errorf("texture: linking blit program: %s", infoLog)
	}

	st := &blitState{
		sTexture: gl.GetUniformLocation(prog, gl.Str("s_Texture\x00")),
	}
	aPosition := uint32(gl.GetAttribLocation(prog, gl.Str("a_Position\x00")))
	aTexCoord := uint32(gl.GetAttribLocation(prog, gl.Str("a_TexCoord\x00")))

	gl.GenVertexArrays(1, &st.vao)
	gl.BindVertexArray(st.vao)

	gl.GenBuffers(1, &st.vertexVBO)
	gl.BindBuffer(gl.ARRAY_BUFFER, st.vertexVBO)
	gl.BufferData(gl.ARRAY_BUFFER, len(blitVertices)*4, gl.Ptr(blitVertices), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(aPosition)
	gl.VertexAttribPointerWithOffset(aPosition, 2, gl.FLOAT, false, 0, 0)

	gl.GenBuffers(1, &st.uvVBO)
	gl.BindBuffer(gl.ARRAY_BUFFER, st.uvVBO)
	gl.BufferData(gl.ARRAY_BUFFER, len(blitTexCoords)*4, gl.Ptr(blitTexCoords), gl.STATIC_DRAW)
	gl.EnableVertexAttribArray(aTexCoord)
	gl.VertexAttribPointerWithOffset(aTexCoord, 2, gl.FLOAT, false, 0, 0)

	gl.BindVertexArray(0)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)

	o.blits[ID(prog)] = st
	return ID(prog), nil
}

// DeleteProgram releases the program and its vertex state.
func (o *OpenGL) DeleteProgram(_ render.Token, prog ID) {
	if prog == 0 || o.ensureInit() != nil {
		return
	}
	if st, ok := o.blits[prog]; ok {
		gl.DeleteBuffers(1, &st.vertexVBO)
		gl.DeleteBuffers(1, &st.uvVBO)
		gl.DeleteVertexArrays(1, &st.vao)
		delete(o.blits, prog)
	}
	gl.DeleteProgram(uint32(prog))
}

// DrawBlit renders src into dst through fbo with the full-screen quad.
// An incomplete framebuffer aborts before any draw state is touched.
func (o *OpenGL) DrawBlit(_ render.Token, prog, fbo, src, dst ID, width, height int) error {
	if err := o.ensureInit(); err != nil {
		return err
	}
	st, ok := o.blits[prog]
	if !ok {
		return fmt.Errorf("texture: unknown blit program %d", prog)
	}

	gl.BindFramebuffer(gl.FRAMEBUFFER, uint32(fbo))
	defer gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, uint32(dst), 0)

	if status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		return fmt.Errorf("texture: framebuffer not complete, status 0x%04x", status)
	}

	gl.Viewport(0, 0, int32(width), int32(height))
	gl.ClearColor(0, 0, 0, 0)
	gl.Clear(gl.COLOR_BUFFER_BIT)

	gl.UseProgram(uint32(prog))
	gl.BindVertexArray(st.vao)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, uint32(src))
	gl.Uniform1i(st.sTexture, 0)

	gl.DrawArrays(gl.TRIANGLE_STRIP, 0, 4)

	gl.BindTexture(gl.TEXTURE_2D, 0)
	gl.BindVertexArray(0)
	return nil
}

func compileShader(kind uint32, source string) (uint32, error) {
	shader := gl.CreateShader(kind)
	csources, free := gl.Strs(source)
	gl.ShaderSource(shader, 1, csources, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLen int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLen)
		infoLog := strings.Repeat("\x00", int(logLen)+1)
		gl.GetShaderInfoLog(shader, logLen, nil, gl.Str(infoLog))
		gl.DeleteShader(shader)
		return 0, fmt.Errorf("texture: compiling shader: %s", strings.TrimRight(infoLog, "\x00"))
	}
	return shader, nil
}

func programLog(prog uint32) string {
	var logLen int32
	gl.GetProgramiv(prog, gl.INFO_LOG_LENGTH, &logLen)
	infoLog := strings.Repeat("\x00", int(logLen)+1)
	gl.GetProgramInfoLog(prog, logLen, nil, gl.Str(infoLog))
	return strings.TrimRight(infoLog, "\x00")
}
