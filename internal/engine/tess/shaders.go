package tess

// terrainShaderWGSL holds all variant entry points. The DrawParams
// block mirrors the PushConstants encoder byte for byte; Extended
// mirrors ExtendedUniform. Heights are fetched from the tile's height
// texture; displacement density follows the per-draw tessellation
// level computed from camera distance.
const terrainShaderWGSL = `
struct DrawParams {
    mvp: mat4x4<f32>,
    camera_position: vec3<f32>,
    tessellation_scale: f32,
    heightmap_size: vec2<f32>,
    terrain_scale: vec2<f32>,
    height_scale: f32,
    time: f32,
    near_distance: f32,
    far_distance: f32,
    min_tess_level: f32,
    max_tess_level: f32,
    lod_bias: f32,
    pad0: f32,
    sun_direction: vec3<f32>,
    pad1: f32,
    sun_color: vec3<f32>,
    pad2: f32,
    ambient_color: vec3<f32>,
    shadow_intensity: f32,
    fog_color: vec3<f32>,
    fog_density: f32,
    fog_start: f32,
    fog_end: f32,
    roughness: f32,
    metallic: f32,
};

struct Extended {
    model: mat4x4<f32>,
    view: mat4x4<f32>,
    proj: mat4x4<f32>,
    wireframe_color: vec3<f32>,
    wireframe_thickness: f32,
    wireframe_opacity: f32,
    visualization_mode: u32,
    specular_power: f32,
    pad: f32,
};

@group(0) @binding(0) var<uniform> params: DrawParams;
@group(0) @binding(1) var<uniform> extended: Extended;
@group(0) @binding(2) var height_map: texture_2d<f32>;
@group(0) @binding(3) var height_sampler: sampler;
@group(0) @binding(4) var normal_map: texture_2d<f32>;

struct VertexIn {
    @location(0) position: vec3<f32>,
    @location(1) uv: vec2<f32>,
    @location(2) normal: vec3<f32>,
};

struct VertexOut {
    @builtin(position) clip_position: vec4<f32>,
    @location(0) world_position: vec3<f32>,
    @location(1) uv: vec2<f32>,
    @location(2) normal: vec3<f32>,
    @location(3) tess_level: f32,
};

fn tess_level_for(distance: f32) -> f32 {
    var level: f32;
    if (distance <= params.near_distance) {
        level = params.max_tess_level;
    } else if (distance >= params.far_distance) {
        level = params.min_tess_level;
    } else {
        let t = (distance - params.near_distance) / (params.far_distance - params.near_distance);
        level = params.max_tess_level + t * (params.min_tess_level - params.max_tess_level);
    }
    return clamp(level * params.tessellation_scale, params.min_tess_level, params.max_tess_level);
}

@vertex
fn vs_main(in: VertexIn) -> VertexOut {
    var out: VertexOut;

    let height = textureSampleLevel(height_map, height_sampler, in.uv, 0.0).r;
    var world = in.position;
    world.y = world.y + height * params.height_scale;

    out.clip_position = params.mvp * vec4<f32>(world, 1.0);
    out.world_position = world;
    out.uv = in.uv;
    out.normal = in.normal;
    out.tess_level = tess_level_for(length(world - params.camera_position));
    return out;
}

fn apply_fog(color: vec3<f32>, world_position: vec3<f32>) -> vec3<f32> {
    let distance = length(world_position - params.camera_position);
    let linear_fog = clamp((distance - params.fog_start) / (params.fog_end - params.fog_start), 0.0, 1.0);
    let exp_fog = 1.0 - exp(-params.fog_density * distance);
    let fog = max(linear_fog, exp_fog);
    return mix(color, params.fog_color, fog);
}

@fragment
fn fs_main(in: VertexOut) -> @location(0) vec4<f32> {
    let n = normalize(textureSample(normal_map, height_sampler, in.uv).xyz * 2.0 - 1.0);
    let sun = normalize(-params.sun_direction);
    let light = max(dot(n, sun), 0.0);
    let diffuse = params.sun_color * light * (1.0 - params.roughness * 0.3);
    let view_dir = normalize(params.camera_position - in.world_position);
    let half_dir = normalize(view_dir + sun);
    let spec = pow(max(dot(n, half_dir), 0.0), extended.specular_power) * params.metallic;
    let base = vec3<f32>(0.35, 0.42, 0.25);
    var color = base * (params.ambient_color + diffuse) + params.sun_color * spec;
    color = apply_fog(color, in.world_position);
    return vec4<f32>(color, 1.0);
}

@fragment
fn fs_wireframe(in: VertexOut) -> @location(0) vec4<f32> {
    // Reference the normal map so every variant derives the same auto
    // bind group layout and shares one bind group per tile.
    _ = textureDimensions(normal_map);
    return vec4<f32>(extended.wireframe_color, extended.wireframe_opacity);
}

@fragment
fn fs_debug(in: VertexOut) -> @location(0) vec4<f32> {
    _ = textureDimensions(normal_map);
    // Tessellation-level ramp: blue at minimum detail through red at
    // maximum.
    let t = clamp((in.tess_level - params.min_tess_level) /
        max(params.max_tess_level - params.min_tess_level, 0.001), 0.0, 1.0);
    let ramp = vec3<f32>(t, 0.2, 1.0 - t);
    if (extended.visualization_mode == 1u) {
        // Height visualization instead of tessellation.
        let h = clamp(in.world_position.y / max(params.height_scale, 0.001), 0.0, 1.0);
        return vec4<f32>(vec3<f32>(h), 1.0);
    }
    return vec4<f32>(ramp, 1.0);
}
`
