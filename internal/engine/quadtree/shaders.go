package quadtree

// cullingShaderWGSL is the GPU side of the culling pipeline. It mirrors
// the CPU pass over the same buffers: distance reject, frustum planes,
// LOD assignment, then draw-command compaction through an atomic
// counter. Buffer layouts match the encoders in gpu_types.go.
const cullingShaderWGSL = `
struct Node {
    bounds: vec4<f32>,
    elevation: vec2<f32>,
    child0: u32,
    child1: u32,
    child2: u32,
    child3: u32,
    tile_index: u32,
    level: u32,
    flags: u32,
    lod_distance: f32,
    pad0: u32,
    pad1: u32,
};

struct Tile {
    model: mat4x4<f32>,
    bounds: vec4<f32>,
    elevation: vec2<f32>,
    tex_offset: vec2<f32>,
    tex_scale: vec2<f32>,
    texture_index: u32,
    lod: u32,
    vertex_offset: u32,
    index_offset: u32,
    index_count: u32,
    distance: f32,
};

struct DrawCommand {
    index_count: u32,
    instance_count: u32,
    first_index: u32,
    vertex_offset: i32,
    first_instance: u32,
    tile_index: u32,
    lod_level: u32,
    pad: u32,
};

struct CullingData {
    view: mat4x4<f32>,
    proj: mat4x4<f32>,
    view_proj: mat4x4<f32>,
    frustum: array<vec4<f32>, 6>,
    camera_position: vec4<f32>,
    camera_direction: vec4<f32>,
    lod_distances: vec4<f32>,
    culling_params: vec4<f32>,
    frame_index: u32,
    max_tiles: u32,
    enable_occlusion: u32,
    pad: u32,
};

struct Counters {
    draw_count: atomic<u32>,
    visible_nodes: atomic<u32>,
    culled_nodes: atomic<u32>,
    pad: u32,
};

const FLAG_VISIBLE: u32 = 1u;
const FLAG_HAS_TILE: u32 = 4u;
const FLAG_CULLED: u32 = 16u;
const MAX_LOD: f32 = 7.0;

@group(0) @binding(0) var<storage, read_write> nodes: array<Node>;
@group(0) @binding(1) var<storage, read_write> tiles: array<Tile>;
@group(0) @binding(2) var<storage, read_write> draws: array<DrawCommand>;
@group(0) @binding(3) var<storage, read_write> counters: Counters;
@group(0) @binding(4) var<uniform> culling: CullingData;
@group(0) @binding(5) var<storage, read_write> stats: array<u32>;

fn aabb_in_frustum(bmin: vec3<f32>, bmax: vec3<f32>) -> bool {
    for (var i = 0; i < 6; i++) {
        let plane = culling.frustum[i];
        var p = bmin;
        if (plane.x >= 0.0) { p.x = bmax.x; }
        if (plane.y >= 0.0) { p.y = bmax.y; }
        if (plane.z >= 0.0) { p.z = bmax.z; }
        if (dot(plane.xyz, p) + plane.w < 0.0) {
            return false;
        }
    }
    return true;
}

fn compute_lod(distance: f32) -> u32 {
    var d = distance;
    let bias = culling.lod_distances.z;
    if (bias != 0.0) {
        d = d / bias;
    }
    let near = culling.lod_distances.x;
    let far = culling.lod_distances.y;
    if (d <= near) { return 0u; }
    if (d >= far) { return u32(MAX_LOD); }
    return u32((d - near) / (far - near) * MAX_LOD);
}

@compute @workgroup_size(64)
fn cull_main(@builtin(global_invocation_id) id: vec3<u32>) {
    let index = id.x;
    if (index >= arrayLength(&nodes)) {
        return;
    }

    var node = nodes[index];
    node.flags = node.flags & ~(FLAG_VISIBLE | FLAG_CULLED);

    let center = vec3<f32>(
        (node.bounds.x + node.bounds.z) * 0.5,
        (node.elevation.x + node.elevation.y) * 0.5,
        (node.bounds.y + node.bounds.w) * 0.5,
    );
    let distance = length(center - culling.camera_position.xyz);

    var visible = true;
    if (culling.culling_params.x != 0.0 &&
        distance - node.lod_distance * 0.5 > culling.culling_params.z) {
        visible = false;
    }

    if (visible && culling.culling_params.y != 0.0) {
        let bmin = vec3<f32>(node.bounds.x, node.elevation.x, node.bounds.y);
        let bmax = vec3<f32>(node.bounds.z, node.elevation.y, node.bounds.w);
        visible = aabb_in_frustum(bmin, bmax);
    }

    if (!visible) {
        node.flags = node.flags | FLAG_CULLED;
        nodes[index] = node;
        atomicAdd(&counters.culled_nodes, 1u);
        return;
    }

    node.flags = node.flags | FLAG_VISIBLE;
    atomicAdd(&counters.visible_nodes, 1u);

    if ((node.flags & FLAG_HAS_TILE) != 0u) {
        let lod = compute_lod(distance);
        tiles[node.tile_index].lod = lod;
        tiles[node.tile_index].distance = distance;
        node.lod_distance = distance;

        let slot = atomicAdd(&counters.draw_count, 1u);
        if (slot < arrayLength(&draws)) {
            let tile = tiles[node.tile_index];
            draws[slot] = DrawCommand(
                tile.index_count, 1u, tile.index_offset,
                i32(tile.vertex_offset), 0u,
                node.tile_index, lod, 0u,
            );
        }
    }

    nodes[index] = node;
}
`
